package commands

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/rpki-tools/rrdpworker/internal/rrdpconfig"
	"github.com/rpki-tools/rrdpworker/internal/rrdplog"
	"github.com/rpki-tools/rrdpworker/internal/scheduler"
	"github.com/rpki-tools/rrdpworker/internal/wire"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Accept one parent connection and run the Scheduler against it",
	Long: `serve listens on the Unix socket named by control.listen, accepts a
single parent connection, and drives the Scheduler engine against it over
a framed channel until the parent disconnects or the process receives a
shutdown signal.

serve never touches persisted repository state itself: the parent owns
reading and writing the per-repository session/serial record and tells
the worker what it last saw via the START message's prior-state fields.
Use "rrdpworker state" to inspect that record directly.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := rrdpconfig.MustLoad(GetConfigFile())
	if err != nil {
		return err
	}
	if err := rrdplog.Init(rrdplog.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}); err != nil {
		return fmt.Errorf("serve: init logger: %w", err)
	}
	if cfg.Control.Listen == "" {
		return fmt.Errorf("serve: control.listen is not configured")
	}

	runID := uuid.NewString()
	log := rrdplog.With("run_id", runID, "socket", cfg.Control.Listen)

	if err := os.Remove(cfg.Control.Listen); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("serve: remove stale socket: %w", err)
	}
	ln, err := net.Listen("unix", cfg.Control.Listen)
	if err != nil {
		return fmt.Errorf("serve: listen on %s: %w", cfg.Control.Listen, err)
	}
	defer func() {
		_ = ln.Close()
		_ = os.Remove(cfg.Control.Listen)
	}()

	log.Info("waiting for parent connection")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	type accepted struct {
		conn net.Conn
		err  error
	}
	acceptCh := make(chan accepted, 1)
	go func() {
		conn, err := ln.Accept()
		acceptCh <- accepted{conn: conn, err: err}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	var conn net.Conn
	select {
	case a := <-acceptCh:
		if a.err != nil {
			return fmt.Errorf("serve: accept: %w", a.err)
		}
		conn = a.conn
	case sig := <-sigChan:
		log.Info("shutdown signal received before a parent connected", "signal", sig.String())
		return nil
	}
	defer func() { _ = conn.Close() }()

	log.Info("parent connected", "remote", conn.RemoteAddr())

	channel := wire.NewFramedChannel(conn)
	sched := scheduler.New(channel, cfg.Scheduler.MaxSessions)

	serverDone := make(chan error, 1)
	go func() { serverDone <- sched.Run(ctx) }()

	log.Info("scheduler running, press Ctrl+C to stop")

	select {
	case sig := <-sigChan:
		log.Info("shutdown signal received, initiating graceful shutdown", "signal", sig.String())
		cancel()
		if err := <-serverDone; err != nil && err != context.Canceled {
			log.Error("scheduler shutdown error", "error", err)
			return err
		}
		log.Info("scheduler stopped gracefully")
	case err := <-serverDone:
		if err != nil {
			log.Error("scheduler error", "error", err)
			return err
		}
		log.Info("parent disconnected, scheduler stopped")
	}
	return nil
}
