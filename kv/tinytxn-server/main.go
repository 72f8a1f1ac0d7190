package main

import (
	"fmt"
	"os"

	"github.com/pingcap-incubator/tinytxn/kv/config"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

var (
	gitHash = "None"

	configPath string
	dataDir    string
	statusAddr string
	walEngine  string
	logLevel   string
)

func addConfigFlags(fs *pflag.FlagSet) {
	fs.StringVarP(&configPath, "config", "c", "", "config file path")
	fs.StringVar(&dataDir, "data-dir", "", "directory of the wal and its archive")
	fs.StringVar(&statusAddr, "status-addr", "", "status api listen address")
	fs.StringVar(&walEngine, "wal-engine", "", "wal engine, badger or memory")
	fs.StringVarP(&logLevel, "log-level", "L", "", "log level")
}

// loadConfig builds the config from defaults, the config file and the flags
// that were set, in that order.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	conf := config.NewDefaultConfig()
	if configPath != "" {
		if err := conf.LoadFile(configPath); err != nil {
			return nil, err
		}
	}
	flags := cmd.Flags()
	if flags.Changed("data-dir") {
		conf.DataDir = dataDir
	}
	if flags.Changed("status-addr") {
		conf.StatusAddr = statusAddr
	}
	if flags.Changed("wal-engine") {
		conf.WAL.Engine = walEngine
	}
	if flags.Changed("log-level") {
		conf.Log.Level = logLevel
	}
	if err := conf.Validate(); err != nil {
		return nil, errors.Annotate(err, "invalid config")
	}
	if err := conf.SetupLogger(); err != nil {
		return nil, err
	}
	log.Info("config loaded", zap.String("git-hash", gitHash), zap.Reflect("config", conf))
	return conf, nil
}

func main() {
	rootCmd := &cobra.Command{
		Use:          "tinytxn-server",
		Short:        "Transactional page store with lock based concurrency control and ARIES recovery",
		SilenceUsage: true,
	}
	addConfigFlags(rootCmd.PersistentFlags())

	rootCmd.AddCommand(
		newServeCommand(),
		newRecoverCommand(),
		newRecoverToTimeCommand(),
		newCheckpointCommand(),
		newDumpWALCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
