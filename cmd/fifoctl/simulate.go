package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/google/subcommands"
	"golang.org/x/exp/slog"
)

type simulateCmd struct {
	tsgs           int
	channelsPerTSG int
	runlist        uint
	interleave     string
	timesliceUS    uint
	detailed       bool
}

func (*simulateCmd) Name() string     { return "simulate" }
func (*simulateCmd) Synopsis() string { return "open a workload and print the resulting runlists" }
func (*simulateCmd) Usage() string {
	return `simulate [flags]:
	Opens TSGs with bound channels on a simulated chip, schedules them and prints the scheduler state.
`
}

func (c *simulateCmd) SetFlags(f *flag.FlagSet) {
	f.IntVar(&c.tsgs, "tsgs", 2, "number of TSGs to open")
	f.IntVar(&c.channelsPerTSG, "channels", 2, "channels bound to each TSG")
	f.UintVar(&c.runlist, "runlist", 0, "runlist the channels are opened on")
	f.StringVar(&c.interleave, "interleave", "low", "interleave level of every TSG: low, medium or high")
	f.UintVar(&c.timesliceUS, "timeslice", 0, "timeslice of every TSG in microseconds, 0 for the default")
	f.BoolVar(&c.detailed, "detailed", true, "include TSGs and engine status in the output")
}

func (c *simulateCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	env := environmentFromArgs(args)

	level, ok := interleaveLevels[strings.ToLower(c.interleave)]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown interleave level %q\n", c.interleave)
		return subcommands.ExitUsageError
	}

	_, scheduler, err := env.newScheduler(nil)
	if err != nil {
		env.logger.Error("failed to create scheduler", slog.Any("error", err))
		return subcommands.ExitFailure
	}

	tsgs, channels, err := openWorkload(scheduler, uint32(c.runlist), c.tsgs, c.channelsPerTSG, os.Getpid())
	defer closeWorkload(tsgs, channels)
	if err != nil {
		env.logger.Error("failed to open workload", slog.Any("error", err))
		return subcommands.ExitFailure
	}

	for _, tsg := range tsgs {
		err = tsg.SetInterleaveLevel(level)
		if err == nil && c.timesliceUS != 0 {
			err = tsg.SetTimeslice(uint32(c.timesliceUS))
		}
		if err != nil {
			env.logger.Error("failed to configure tsg", slog.Int("TSGID", int(tsg.ID())), slog.Any("error", err))
			return subcommands.ExitFailure
		}
	}

	err = scheduler.Validate()
	if err != nil {
		env.logger.Error("scheduler state is inconsistent", slog.Any("error", err))
		return subcommands.ExitFailure
	}

	fmt.Println(scheduler.BuildStatsString(c.detailed))
	return subcommands.ExitSuccess
}
