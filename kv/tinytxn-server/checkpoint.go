package main

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/pingcap/errors"
	"github.com/spf13/cobra"
)

func newCheckpointCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "checkpoint",
		Short: "Ask a running server to take a checkpoint",
		Args:  cobra.NoArgs,
		RunE:  runCheckpoint,
	}
}

func runCheckpoint(cmd *cobra.Command, _ []string) error {
	conf, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	resp, err := http.Post("http://"+conf.StatusAddr+"/api/v1/checkpoint", "application/json", nil)
	if err != nil {
		return errors.Annotate(err, "contact server")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		var msg string
		json.NewDecoder(resp.Body).Decode(&msg)
		return errors.Errorf("checkpoint failed: %s %s", resp.Status, msg)
	}
	var out map[string]uint64
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return errors.Trace(err)
	}
	fmt.Printf("checkpoint at lsn %d\n", out["lsn"])
	return nil
}
