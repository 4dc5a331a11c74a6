package commands

import (
	"fmt"

	"github.com/anthrax3/mapkeeper/internal/config"
	"github.com/anthrax3/mapkeeper/internal/scan"
	"github.com/cockroachdb/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

// NewDumpCommand returns a cli.Command for "mapkeeper dump".
func NewDumpCommand() *cli.Command {
	cmd := cli.Command{
		Name:      "dump",
		Usage:     "Outputs the records of a map",
		UsageText: `mapkeeper dump --home data --map users [--start a] [--end b] [--desc]`,
		Description: `The dump command outputs the records of a map in key order, one per line.
Bounds are inclusive. The server must be stopped.`,
		Flags: []cli.Flag{
			homeFlag(),
			&cli.StringFlag{
				Name:     "map",
				Aliases:  []string{"m"},
				Usage:    "Name of the map to dump.",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "start",
				Usage: "Smallest key to output.",
			},
			&cli.StringFlag{
				Name:  "end",
				Usage: "Greatest key to output.",
			},
			&cli.BoolFlag{
				Name:  "desc",
				Usage: "Output the records in descending order.",
			},
			&cli.BoolFlag{
				Name:    "keys-only",
				Aliases: []string{"k"},
				Usage:   "Only output the keys.",
			},
		},
	}

	cmd.Action = func(c *cli.Context) error {
		cfg := config.Default()
		cfg.Home = c.String("home")

		ng, err := openEngine(&cfg, zap.NewNop())
		if err != nil {
			return err
		}
		defer ng.Close()

		tb, err := ng.OpenTable(c.String("map"))
		if err != nil {
			return errors.Wrapf(err, "cannot open map %q", c.String("map"))
		}

		cur, err := tb.NewCursor()
		if err != nil {
			return err
		}
		defer cur.Close()

		dir := scan.Ascending
		if c.Bool("desc") {
			dir = scan.Descending
		}

		s := scan.New(cur, dir, scan.Range{
			Start:          []byte(c.String("start")),
			StartInclusive: true,
			End:            []byte(c.String("end")),
			EndInclusive:   true,
		})
		defer s.End()

		for {
			r, err := s.Next()
			if errors.Is(err, scan.ErrScanEnded) {
				return nil
			}
			if err != nil {
				return err
			}

			if c.Bool("keys-only") {
				fmt.Fprintf(c.App.Writer, "%q\n", r.Key)
			} else {
				fmt.Fprintf(c.App.Writer, "%q: %q\n", r.Key, r.Value)
			}
		}
	}

	return &cmd
}
