package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pingcap-incubator/tinytxn/kv/server"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Recover the log and serve the status api until signalled",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	conf, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	e, err := server.NewEngine(conf)
	if err != nil {
		return err
	}
	defer e.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := e.Start(ctx); err != nil {
		return err
	}

	srv := &http.Server{Addr: conf.StatusAddr, Handler: server.NewHandler(e)}
	errCh := make(chan error, 1)
	go func() {
		log.Info("status api listening", zap.String("addr", conf.StatusAddr))
		errCh <- srv.ListenAndServe()
	}()

	sc := make(chan os.Signal, 1)
	signal.Notify(sc,
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT)
	select {
	case sig := <-sc:
		log.Info("got signal to exit", zap.Stringer("signal", sig))
	case err := <-errCh:
		if err != http.ErrServerClosed {
			return errors.Annotate(err, "status api")
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("status api shutdown", zap.Error(err))
	}
	return nil
}
