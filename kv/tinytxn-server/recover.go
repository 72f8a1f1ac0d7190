package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/pingcap-incubator/tinytxn/kv/recovery"
	"github.com/pingcap-incubator/tinytxn/kv/server"
	"github.com/pingcap/errors"
	"github.com/spf13/cobra"
)

func newRecoverCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Run crash recovery and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runRecovery(cmd, nil)
		},
	}
}

func newRecoverToTimeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "recover-to-time <time>",
		Short: "Discard the log after a point in time and recover what remains",
		Long: "Discard every log record after the last one stamped at or before <time>, then recover.\n" +
			"<time> is RFC3339 or milliseconds since the Unix epoch. This cannot be undone.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := parseTime(args[0])
			if err != nil {
				return err
			}
			return runRecovery(cmd, &target)
		},
	}
}

func parseTime(s string) (time.Time, error) {
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(0, ms*int64(time.Millisecond)), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, errors.Errorf("invalid time %q, want RFC3339 or unix milliseconds", s)
	}
	return t, nil
}

func runRecovery(cmd *cobra.Command, target *time.Time) error {
	conf, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	e, err := server.NewEngine(conf)
	if err != nil {
		return err
	}
	defer e.Close()

	ctx := context.Background()
	if target != nil {
		if _, err := e.RecoverToTime(ctx, *target); err != nil {
			return err
		}
	}
	if err := e.Start(ctx); err != nil {
		return err
	}
	printResult(e.LastRecovery())
	lsn, err := e.Checkpoint()
	if err != nil {
		return err
	}
	fmt.Printf("checkpoint at lsn %d\n", lsn)
	return nil
}

func printResult(res *recovery.Result) {
	if res == nil {
		return
	}
	a := res.Analysis
	fmt.Printf("checkpoint lsn:  %d\n", a.CheckpointLSN)
	fmt.Printf("transactions:    %d\n", len(a.Txns))
	fmt.Printf("dirty pages:     %d (min rec lsn %d)\n", len(a.DirtyPages), a.MinRecLSN)
	fmt.Printf("redone/skipped:  %d/%d\n", res.Redone, res.Skipped)
	fmt.Printf("rolled back:     %v\n", res.RolledBack)
	fmt.Printf("clrs written:    %d\n", len(res.CLRs))
	fmt.Printf("took:            %v\n", res.Duration)
}
