package commands

import (
	"fmt"
	"runtime/debug"

	"github.com/urfave/cli/v2"
)

// NewVersionCommand returns a cli.Command for "mapkeeper version".
func NewVersionCommand() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Shows the MapKeeper version",
		Action: func(c *cli.Context) error {
			info, ok := debug.ReadBuildInfo()
			if !ok {
				fmt.Fprintln(c.App.Writer, "version not available")
				return nil
			}

			var pebbleVersion string
			for _, mod := range info.Deps {
				if mod.Path == "github.com/cockroachdb/pebble" {
					pebbleVersion = mod.Version
					break
				}
			}

			fmt.Fprintf(c.App.Writer, "MapKeeper %v\nPebble %v\n", info.Main.Version, pebbleVersion)
			return nil
		},
	}
}
