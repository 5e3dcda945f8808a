package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/google/subcommands"
	"github.com/vkngwrapper/gpusched/fifo"
	"github.com/vkngwrapper/gpusched/hal"
	"golang.org/x/exp/slog"
)

type recoverCmd struct {
	fault    string
	resident bool
	runlist  uint
}

func (*recoverCmd) Name() string     { return "recover" }
func (*recoverCmd) Synopsis() string { return "inject a fault and print what recovery did" }
func (*recoverCmd) Usage() string {
	return `recover [flags]:
	Opens one TSG with a channel, injects a fault against it and reports the engines reset, the
	channels aborted and the runlists that were reloaded. Faults: mmu, pbdma, gr, ctxsw, preempt,
	badtsg.
`
}

func (c *recoverCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.fault, "fault", "mmu", "fault to inject")
	f.BoolVar(&c.resident, "resident", true, "mark the TSG as resident on the first engine of its runlist")
	f.UintVar(&c.runlist, "runlist", 0, "runlist the TSG is opened on")
}

func (c *recoverCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	env := environmentFromArgs(args)

	var aborted []uint32
	var recovered []string
	callbacks := &fifo.EventCallbackOptions{
		ChannelAborted: func(scheduler *fifo.Scheduler, chid uint32, userData interface{}) {
			aborted = append(aborted, chid)
		},
		Recovered: func(scheduler *fifo.Scheduler, rcType fifo.RecoveryType, runlistMask uint32, userData interface{}) {
			recovered = append(recovered, fmt.Sprintf("%s runlists=%#x", rcType, runlistMask))
		},
	}

	chip, scheduler, err := env.newScheduler(callbacks)
	if err != nil {
		env.logger.Error("failed to create scheduler", slog.Any("error", err))
		return subcommands.ExitFailure
	}

	tsgs, channels, err := openWorkload(scheduler, uint32(c.runlist), 1, 1, os.Getpid())
	defer closeWorkload(tsgs, channels)
	if err != nil {
		env.logger.Error("failed to open workload", slog.Any("error", err))
		return subcommands.ExitFailure
	}
	tsg := tsgs[0]
	channel := channels[0]
	runlist := channel.Runlist()

	engineID := hal.InvalidID
	for id := uint32(0); id < 32; id++ {
		if runlist.EngineMask()&(1<<id) != 0 {
			engineID = id
			break
		}
	}
	if c.resident && engineID != hal.InvalidID {
		chip.SetEngineStatus(engineID, hal.EngineStatus{
			Busy:      true,
			CtxStatus: hal.CtxStatusValid,
			ID:        tsg.ID(),
			IDType:    hal.IDTypeTSG,
		})
	}

	recovery := scheduler.Recovery()
	switch strings.ToLower(c.fault) {
	case "mmu":
		recovery.MMUFault(engineID, tsg.ID(), hal.IDTypeTSG, 0, fifo.MMUFaultInfo{InstAddr: channel.InstBlock().Addr})
	case "pbdma":
		recovery.PBDMAFault(0, fifo.ErrorNotifierPBDMAError, hal.PBDMAStatus{
			ChswStatus: hal.CtxStatusValid,
			ID:         channel.ID(),
			IDType:     hal.IDTypeChannel,
		})
	case "gr":
		recovery.GRFault(tsg, channel)
	case "ctxsw":
		recovery.CtxswTimeout(runlist.EngineMask(), tsg, true)
	case "preempt":
		recovery.PreemptTimeout(tsg)
	case "badtsg":
		recovery.SchedErrorBadTSG()
	default:
		fmt.Fprintf(os.Stderr, "unknown fault %q\n", c.fault)
		return subcommands.ExitUsageError
	}

	notifier, _ := channel.ErrorNotifier()
	fmt.Printf("recoveries: %s\n", strings.Join(recovered, "; "))
	fmt.Printf("engines reset: %v\n", chip.EngineResets())
	fmt.Printf("channels aborted: %v\n", aborted)
	fmt.Printf("channel %d: notifier=%s unserviceable=%t\n", channel.ID(), notifier, channel.IsUnserviceable())
	fmt.Println(scheduler.BuildStatsString(false))

	return subcommands.ExitSuccess
}
