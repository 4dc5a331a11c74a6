package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
)

// NewApp creates the MapKeeper CLI app.
func NewApp() *cli.App {
	app := cli.NewApp()
	app.Name = "mapkeeper"
	app.Usage = "Server of named ordered key-value maps"
	app.EnableBashCompletion = true

	app.Commands = []*cli.Command{
		NewServeCommand(),
		NewMapsCommand(),
		NewDumpCommand(),
		NewVersionCommand(),
	}

	// inject cancelable context to all commands
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)

	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		defer cancel()
		<-ch
	}()

	for i := range app.Commands {
		action := app.Commands[i].Action
		app.Commands[i].Action = func(c *cli.Context) error {
			c.Context = ctx
			return action(c)
		}
	}

	app.After = func(c *cli.Context) error {
		cancel()
		return nil
	}

	return app
}
