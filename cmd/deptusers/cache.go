package main

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/m-mizutani/goerr/v2"
	"github.com/tidwall/gjson"
	"github.com/urfave/cli/v3"

	"github.com/unkn0wn-root/deptusers"
	"github.com/unkn0wn-root/deptusers/config"
	"github.com/unkn0wn-root/deptusers/provider/file"
)

func cmdCache(r *runtime) *cli.Command {
	return &cli.Command{
		Name:  "cache",
		Usage: "inspect and maintain the local cache",
		Commands: []*cli.Command{
			{
				Name:      "inspect",
				Usage:     "show age and size of cached keys",
				UsageText: "deptusers cache inspect [KEY]...  (default: " + deptusers.DepartmentsKey + ")",
				Action: func(ctx context.Context, c *cli.Command) error {
					keys := c.Args().Slice()
					if len(keys) == 0 {
						keys = []string{deptusers.DepartmentsKey}
					}
					return r.with(ctx, func(app *config.App) error {
						for _, k := range keys {
							if err := inspect(ctx, r, app, k); err != nil {
								return err
							}
						}
						return nil
					})
				},
			},
			{
				Name:      "invalidate",
				Usage:     "drop cached keys so the next call fetches",
				UsageText: "deptusers cache invalidate KEY...",
				Action: func(ctx context.Context, c *cli.Command) error {
					keys := c.Args().Slice()
					if len(keys) == 0 {
						return goerr.New("at least one key is required")
					}
					return r.with(ctx, func(app *config.App) error {
						for _, k := range keys {
							if err := app.Cache.Invalidate(ctx, k); err != nil {
								return err
							}
							fmt.Fprintf(r.out, "invalidated %s\n", k)
						}
						return nil
					})
				},
			},
			{
				Name:  "sweep",
				Usage: "remove expired entries from the file cache",
				Action: func(ctx context.Context, _ *cli.Command) error {
					return r.with(ctx, func(app *config.App) error {
						fp, ok := app.Provider.(*file.Provider)
						if !ok {
							return goerr.New("sweep needs the file provider", goerr.V("provider", app.Config.Cache.Provider))
						}
						n, err := fp.Sweep(ctx)
						if err != nil {
							return err
						}
						fmt.Fprintf(r.out, "removed %d expired entries\n", n)
						return nil
					})
				},
			},
		},
	}
}

func inspect(ctx context.Context, r *runtime, app *config.App, key string) error {
	e, ok, err := app.Cache.Peek(ctx, key)
	if err != nil {
		return goerr.Wrap(err, "failed to read cache entry", goerr.V("key", key))
	}
	if !ok {
		fmt.Fprintf(r.out, "%s: not cached\n", key)
		return nil
	}

	policy := app.Config.Policy()
	state := "fresh"
	switch {
	case e.Age >= policy.Expire:
		state = "expired"
	case e.Age >= policy.Refresh:
		state = "stale"
	}

	fmt.Fprintf(r.out, "%s\n", key)
	fmt.Fprintf(r.out, "  written:   %s (%s)\n", e.WrittenAt.Format(time.RFC3339), humanize.Time(e.WrittenAt))
	fmt.Fprintf(r.out, "  state:     %s\n", state)
	fmt.Fprintf(r.out, "  size:      %s\n", humanize.Bytes(uint64(len(e.Payload))))
	if !e.LastRefresh.IsZero() {
		fmt.Fprintf(r.out, "  refreshed: %s\n", humanize.Time(e.LastRefresh))
	}
	// entry counts are only readable for the json codec
	if gjson.ValidBytes(e.Payload) {
		fmt.Fprintf(r.out, "  items:     %s\n", humanize.Comma(gjson.ParseBytes(e.Payload).Get("#").Int()))
	}
	return nil
}
