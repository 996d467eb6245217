package main

import (
	"context"
	"encoding/json"
	"io"

	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"

	"github.com/unkn0wn-root/deptusers/config"
)

// runtime carries what every subcommand shares: the loaded config and the
// output stream. Build is deferred to the action so --help never touches
// the cache.
type runtime struct {
	out        io.Writer
	configPath string
	webURL     string
	codec      string
	provider   string
	noCache    bool
}

func (r *runtime) build(ctx context.Context) (*config.App, error) {
	cfg, err := config.Load(r.configPath)
	if err != nil {
		return nil, err
	}
	config.ApplyEnv(cfg)
	if r.webURL != "" {
		cfg.WebURL = r.webURL
	}
	if r.codec != "" {
		cfg.Cache.Codec = r.codec
	}
	if r.provider != "" {
		cfg.Cache.Provider = r.provider
	}
	if r.noCache {
		cfg.Cache.Disabled = true
	}
	app, err := config.Build(ctx, cfg, config.BuildOptions{})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to build service")
	}
	return app, nil
}

// with builds the App, runs fn and closes the App, waiting for any
// background refresh fn triggered.
func (r *runtime) with(ctx context.Context, fn func(*config.App) error) (err error) {
	app, err := r.build(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := app.Close(ctx); cerr != nil && err == nil {
			err = goerr.Wrap(cerr, "failed to close cache")
		}
	}()
	return fn(app)
}

func (r *runtime) print(v any) error {
	enc := json.NewEncoder(r.out)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}

func newApp(out io.Writer) *cli.Command {
	r := &runtime{out: out}

	return &cli.Command{
		Name:  "deptusers",
		Usage: "Query department users through a local stale-while-revalidate cache",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "YAML config file",
				Sources:     cli.EnvVars(config.EnvPath),
				Destination: &r.configPath,
			},
			&cli.StringFlag{
				Name:        "web-url",
				Usage:       "site address used for API calls and photo links",
				Sources:     cli.EnvVars("DEPTUSERS_WEB_URL"),
				Destination: &r.webURL,
			},
			&cli.StringFlag{
				Name:        "codec",
				Usage:       "cache value encoding (json, cbor, msgpack, proto)",
				Destination: &r.codec,
			},
			&cli.StringFlag{
				Name:        "provider",
				Usage:       "cache store (file, redis, bigcache, ristretto)",
				Destination: &r.provider,
			},
			&cli.BoolFlag{
				Name:        "no-cache",
				Usage:       "always call the API",
				Destination: &r.noCache,
			},
		},
		Commands: []*cli.Command{
			cmdUsers(r),
			cmdQuery(r),
			cmdEnsure(r),
			cmdDepartments(r),
			cmdCache(r),
		},
	}
}

func cmdUsers(r *runtime) *cli.Command {
	var department, source string
	var mine bool
	var props []string

	return &cli.Command{
		Name:      "users",
		Usage:     "list the users of a department",
		UsageText: "deptusers users --department Sales [--select title]...",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "department",
				Aliases:     []string{"d"},
				Usage:       "department name",
				Destination: &department,
			},
			&cli.BoolFlag{
				Name:        "mine",
				Usage:       "use the calling identity's department",
				Destination: &mine,
			},
			&cli.StringSliceFlag{
				Name:        "select",
				Aliases:     []string{"s"},
				Usage:       "extra managed property (repeatable)",
				Destination: &props,
			},
			&cli.StringFlag{
				Name:        "source",
				Usage:       "result source id",
				Destination: &source,
			},
		},
		Action: func(ctx context.Context, _ *cli.Command) error {
			if department == "" && !mine {
				return goerr.New("either --department or --mine is required")
			}
			return r.with(ctx, func(app *config.App) error {
				users, err := app.Service.Users(ctx, department, mine, props, source)
				if err != nil {
					return err
				}
				return r.print(users)
			})
		},
	}
}

func cmdQuery(r *runtime) *cli.Command {
	var source string
	var props []string

	return &cli.Command{
		Name:      "query",
		Usage:     "search users with a free-text query",
		UsageText: "deptusers query TEXT [--select title]...",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:        "select",
				Aliases:     []string{"s"},
				Usage:       "extra managed property (repeatable)",
				Destination: &props,
			},
			&cli.StringFlag{
				Name:        "source",
				Usage:       "result source id",
				Destination: &source,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			if c.Args().Len() != 1 {
				return goerr.New("query takes exactly one argument", goerr.V("args", c.Args().Slice()))
			}
			return r.with(ctx, func(app *config.App) error {
				users, err := app.Service.UsersByQuery(ctx, c.Args().First(), props, source)
				if err != nil {
					return err
				}
				return r.print(users)
			})
		},
	}
}

func cmdEnsure(r *runtime) *cli.Command {
	var source string
	var props []string

	return &cli.Command{
		Name:      "ensure",
		Usage:     "resolve login names or a group id to users",
		UsageText: "deptusers ensure LOGIN [LOGIN]...",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:        "select",
				Aliases:     []string{"s"},
				Usage:       "extra managed property (repeatable)",
				Destination: &props,
			},
			&cli.StringFlag{
				Name:        "source",
				Usage:       "result source id",
				Destination: &source,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			names := c.Args().Slice()
			if len(names) == 0 {
				return goerr.New("at least one login name is required")
			}
			return r.with(ctx, func(app *config.App) error {
				users, err := app.Service.UsersByLoginNames(ctx, names, props, source)
				if err != nil {
					return err
				}
				return r.print(users)
			})
		},
	}
}

func cmdDepartments(r *runtime) *cli.Command {
	return &cli.Command{
		Name:  "departments",
		Usage: "list department names",
		Action: func(ctx context.Context, _ *cli.Command) error {
			return r.with(ctx, func(app *config.App) error {
				depts, err := app.Service.Departments(ctx)
				if err != nil {
					return err
				}
				return r.print(depts)
			})
		},
	}
}
