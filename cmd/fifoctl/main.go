// fifoctl drives the scheduler against a simulated chip. It is used to inspect runlist layouts and
// recovery behavior for a given configuration without hardware.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"
	"github.com/vkngwrapper/gpusched/config"
	"golang.org/x/exp/slog"
)

var configPath = flag.String("config", "", "path to a TOML scheduler configuration")

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(&simulateCmd{}, "")
	subcommands.Register(&recoverCmd{}, "")
	subcommands.Register(&timesliceCmd{}, "")

	flag.Parse()

	env, err := loadEnvironment(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(int(subcommands.ExitUsageError))
	}

	ctx := context.Background()
	os.Exit(int(subcommands.Execute(ctx, env)))
}

type environment struct {
	config *config.Config
	logger *slog.Logger
}

func loadEnvironment(path string) (*environment, error) {
	cfg := &config.Config{}
	if path != "" {
		var err error
		cfg, err = config.Load(path)
		if err != nil {
			return nil, err
		}
	}

	level, err := cfg.LogLevel()
	if err != nil {
		return nil, err
	}

	handlerOptions := &slog.HandlerOptions{Level: level}
	var handler slog.Handler = slog.NewJSONHandler(os.Stderr, handlerOptions)
	if cfg.Log.Format == "text" {
		handler = slog.NewTextHandler(os.Stderr, handlerOptions)
	}

	return &environment{
		config: cfg,
		logger: slog.New(handler),
	}, nil
}

func environmentFromArgs(args []interface{}) *environment {
	return args[0].(*environment)
}
