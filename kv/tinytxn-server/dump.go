package main

import (
	"fmt"
	"path/filepath"

	"github.com/docker/go-units"
	"github.com/pingcap-incubator/tinytxn/kv/config"
	"github.com/pingcap-incubator/tinytxn/kv/transaction/types"
	"github.com/pingcap-incubator/tinytxn/kv/util"
	"github.com/pingcap-incubator/tinytxn/kv/wal"
	"github.com/pingcap/errors"
	"github.com/spf13/cobra"
)

var (
	dumpFrom    uint64
	dumpArchive bool
)

func newDumpWALCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dump-wal",
		Short: "Print the records of a stopped server's log",
		Args:  cobra.NoArgs,
		RunE:  runDumpWAL,
	}
	cmd.Flags().Uint64Var(&dumpFrom, "from", 1, "first lsn to print")
	cmd.Flags().BoolVar(&dumpArchive, "archive", false, "read the archive followed by the live log")
	return cmd
}

func runDumpWAL(cmd *cobra.Command, _ []string) error {
	conf, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if conf.WAL.Engine != config.WALEngineBadger {
		return errors.Errorf("wal engine %q keeps nothing to dump", conf.WAL.Engine)
	}
	dir := filepath.Join(conf.DataDir, "wal")
	if !util.DirExists(dir) {
		return errors.Errorf("no log under %s", dir)
	}
	store, err := wal.OpenBadgerStore(dir, false)
	if err != nil {
		return err
	}
	l, err := wal.NewManager(store)
	if err != nil {
		store.Close()
		return err
	}
	defer l.Close()

	var entries []*wal.Entry
	if dumpArchive {
		size, _ := conf.WAL.SegmentSize()
		archive, err := wal.OpenArchive(filepath.Join(conf.DataDir, "archive"), size)
		if err != nil {
			return err
		}
		for _, s := range archive.Segments() {
			fmt.Printf("segment %s\n", s)
		}
		entries, err = wal.NewMergedReader(archive, l).ReadFrom(types.LSN(dumpFrom))
		if err != nil {
			printEntries(entries)
			return err
		}
	} else {
		entries, err = l.ReadFrom(types.LSN(dumpFrom))
		if err != nil {
			printEntries(entries)
			return err
		}
	}
	printEntries(entries)
	return nil
}

func printEntries(entries []*wal.Entry) {
	var total uint64
	for _, e := range entries {
		fmt.Printf("%8d prev=%-8d %s\n", e.LSN, e.PrevLSN, e.Record)
		total += uint64(e.Size)
	}
	fmt.Printf("%d records, %s\n", len(entries), units.HumanSize(float64(total)))
}
