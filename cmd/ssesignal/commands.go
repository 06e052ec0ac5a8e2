package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/scott-cotton/cli"
	"github.com/sirupsen/logrus"
)

type MainConfig struct {
	ConfigFile string `cli:"name=config aliases=c desc='YAML configuration file'"`
	Debug      bool   `cli:"name=debug desc='log at debug level'"`

	Main *cli.Command

	File *FileConfig
	Log  *logrus.Logger
}

type ServeConfig struct {
	*MainConfig

	Addr     string `cli:"name=addr desc='listen address'"`
	Origin   string `cli:"name=origin desc='allowed CORS origin'"`
	Database string `cli:"name=db desc='sqlite database persisting signal values'"`
	Interval time.Duration

	Serve *cli.Command
}

func (cfg *ServeConfig) intervalOpt() cli.FuncOpt {
	return cli.FuncOpt(func(_ *cli.Context, a string) (any, error) {
		d, err := time.ParseDuration(a)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", cli.ErrUsage, err)
		}
		cfg.Interval = d
		return d, nil
	})
}

type WatchConfig struct {
	*MainConfig

	Diff    bool `cli:"name=diff desc='print changes as text diffs'"`
	Color   bool `cli:"name=color desc='always color output'"`
	NoColor bool `cli:"name=no-color desc='never color output'"`

	Watch *cli.Command
}

func MainCommand() *cli.Command {
	cfg := &MainConfig{}
	opts, err := cli.StructOpts(cfg)
	if err != nil {
		panic(err)
	}

	return cli.NewCommandAt(&cfg.Main, "ssesignal").
		WithSynopsis("ssesignal [opts] command [opts]").
		WithDescription("ssesignal serves and watches signals synchronized with JSON patches over server-sent events.").
		WithOpts(opts...).
		WithRun(func(cc *cli.Context, args []string) error {
			return mainRun(cfg, cc, args)
		}).
		WithSubs(
			ServeCommand(cfg),
			WatchCommand(cfg))
}

func ServeCommand(mainCfg *MainConfig) *cli.Command {
	cfg := &ServeConfig{MainConfig: mainCfg}
	opts, err := cli.StructOpts(cfg)
	if err != nil {
		panic(err)
	}
	opts = append(opts, &cli.Opt{
		Name:        "interval",
		Description: "counter increment interval",
		Type:        cli.NamedFuncOpt(cfg.intervalOpt(), "(duration)"),
	})

	return cli.NewCommandAt(&cfg.Serve, "serve").
		WithAliases("s").
		WithSynopsis("serve [opts]").
		WithDescription("serve a demo counter signal on /sse and /stream").
		WithOpts(opts...).
		WithRun(func(cc *cli.Context, args []string) error {
			return serve(cfg, cc, args)
		})
}

func WatchCommand(mainCfg *MainConfig) *cli.Command {
	cfg := &WatchConfig{MainConfig: mainCfg}
	opts, err := cli.StructOpts(cfg)
	if err != nil {
		panic(err)
	}

	return cli.NewCommandAt(&cfg.Watch, "watch").
		WithAliases("w").
		WithSynopsis("watch [opts] <url> <signal>...").
		WithDescription("print signal values received from an SSE endpoint").
		WithOpts(opts...).
		WithRun(func(cc *cli.Context, args []string) error {
			return watch(cfg, cc, args)
		})
}

func mainRun(cfg *MainConfig, cc *cli.Context, args []string) error {
	args, err := cfg.Main.Parse(cc, args)
	if err != nil {
		return err
	}
	if len(args) == 0 {
		return cli.ErrNoCommandProvided
	}

	cfg.File, err = loadConfig(cfg.ConfigFile, os.LookupEnv)
	if err != nil {
		return err
	}
	if cfg.Debug {
		cfg.File.Log.Level = "debug"
	}
	cfg.Log, err = cfg.File.logger(os.Stderr)
	if err != nil {
		return fmt.Errorf("%w: %w", cli.ErrUsage, err)
	}

	sub := cfg.Main.FindSub(cc, args[0])
	if sub == nil {
		return fmt.Errorf("%w: %q not found", cli.ErrNoSuchCommand, args[0])
	}
	err = sub.Run(cc, args[1:])
	if errors.Is(err, cli.ErrUsage) {
		sub.Usage(cc, err)
		os.Exit(sub.Exit(cc, err))
	}
	return err
}

func notifyContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func serve(cfg *ServeConfig, cc *cli.Context, args []string) error {
	args, err := cfg.Serve.Parse(cc, args)
	if err != nil {
		cfg.Serve.Usage(cc, err)
		return cli.ExitCodeErr(1)
	}
	if len(args) != 0 {
		return fmt.Errorf("%w: serve takes no arguments, got %v", cli.ErrUsage, args)
	}

	fc := cfg.File
	if cfg.Addr != "" {
		fc.Addr = cfg.Addr
	}
	if cfg.Origin != "" {
		fc.Origin = cfg.Origin
	}
	if cfg.Database != "" {
		fc.Database = cfg.Database
	}
	if cfg.Interval > 0 {
		fc.Interval = Duration(cfg.Interval)
	}
	if fc.Interval <= 0 {
		return fmt.Errorf("%w: interval must be positive", cli.ErrUsage)
	}

	if cfg.Log.IsLevelEnabled(logrus.DebugLevel) {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	s, err := newServer(fc, cfg.Log)
	if err != nil {
		return err
	}

	ctx, stop := notifyContext()
	defer stop()
	return s.run(ctx)
}

func watch(cfg *WatchConfig, cc *cli.Context, args []string) error {
	args, err := cfg.Watch.Parse(cc, args)
	if err != nil {
		cfg.Watch.Usage(cc, err)
		return cli.ExitCodeErr(1)
	}
	if len(args) < 2 {
		return fmt.Errorf("%w: watch requires an url and at least one signal name, got %v", cli.ErrUsage, args)
	}

	p := newPrinter(cc.Out, cfg.Diff, useColor(cc.Out, cfg.Color, cfg.NoColor))

	ctx, stop := notifyContext()
	defer stop()
	return runWatch(ctx, args[0], args[1:], p, cfg.Log)
}
