package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/anthrax3/mapkeeper/internal/config"
	"github.com/dustin/go-humanize"
	"github.com/golang-module/carbon/v2"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

func homeFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "home",
		Aliases: []string{"d"},
		Usage:   "Directory of the database files.",
		Value:   config.Default().Home,
	}
}

// NewMapsCommand returns a cli.Command for "mapkeeper maps".
func NewMapsCommand() *cli.Command {
	cmd := cli.Command{
		Name:        "maps",
		Usage:       "Lists the maps of a database",
		UsageText:   `mapkeeper maps --home data`,
		Description: `The maps command lists the maps stored in the home directory. The server must be stopped.`,
		Flags:       []cli.Flag{homeFlag()},
	}

	cmd.Action = func(c *cli.Context) error {
		cfg := config.Default()
		cfg.Home = c.String("home")

		ng, err := openEngine(&cfg, zap.NewNop())
		if err != nil {
			return err
		}
		defer ng.Close()

		tables, err := ng.ListTables()
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tID\tPAGE SIZE\tCREATED")
		for _, info := range tables {
			created := info.CreatedAt
			if created != "" {
				created = carbon.Parse(created).DiffForHumans()
			}
			fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", info.Name, info.ID, humanize.IBytes(uint64(info.PageSizeKB)*1024), created)
		}

		return w.Flush()
	}

	return &cmd
}
