package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/google/subcommands"
	"github.com/vkngwrapper/gpusched/fifoutils"
	"github.com/vkngwrapper/gpusched/hal"
	"golang.org/x/exp/slog"
)

type timesliceCmd struct {
	apply bool
}

func (*timesliceCmd) Name() string     { return "timeslice" }
func (*timesliceCmd) Synopsis() string { return "show how timeslices are encoded in runlist entries" }
func (*timesliceCmd) Usage() string {
	return `timeslice [-apply] <microseconds>...:
	Prints the mantissa and scale each timeslice encodes to and the timeslice the hardware will
	actually use. With -apply the timeslice is also set on a TSG and checked against the submitted
	runlist.
`
}

func (c *timesliceCmd) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&c.apply, "apply", false, "set each timeslice on a scheduled TSG")
}

func (c *timesliceCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	env := environmentFromArgs(args)

	if f.NArg() == 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}

	for _, arg := range f.Args() {
		timesliceUS, err := strconv.ParseUint(arg, 10, 32)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid timeslice %q\n", arg)
			return subcommands.ExitUsageError
		}

		mantissa, scale := fifoutils.EncodeTimeslice(timesliceUS)
		fmt.Printf("%dus: mantissa=%d scale=%d effective=%dus\n",
			timesliceUS, mantissa, scale, fifoutils.DecodeTimeslice(mantissa, scale))

		if !c.apply {
			continue
		}

		err = c.applyTimeslice(env, uint32(timesliceUS))
		if err != nil {
			env.logger.Error("failed to apply timeslice", slog.Uint64("TimesliceUS", timesliceUS), slog.Any("error", err))
			return subcommands.ExitFailure
		}
	}

	return subcommands.ExitSuccess
}

func (c *timesliceCmd) applyTimeslice(env *environment, timesliceUS uint32) error {
	chip, scheduler, err := env.newScheduler(nil)
	if err != nil {
		return err
	}

	tsgs, channels, err := openWorkload(scheduler, scheduler.GRRunlistID(), 1, 1, os.Getpid())
	defer closeWorkload(tsgs, channels)
	if err != nil {
		return err
	}

	err = tsgs[0].SetTimeslice(timesliceUS)
	if err != nil {
		return err
	}

	submit, _ := chip.LastSubmit(scheduler.GRRunlistID())
	for _, entry := range submit.Entries {
		if entry.Type == hal.RunlistEntryTSG {
			fmt.Printf("\tsubmitted tsg %d: mantissa=%d scale=%d\n", entry.ID, entry.TimesliceMantissa, entry.TimesliceScale)
		}
	}
	return nil
}
