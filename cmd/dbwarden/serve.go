package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/loykin/dbwarden"
	"github.com/loykin/dbwarden/internal/config"
	"github.com/loykin/dbwarden/internal/enumerator"
	"github.com/loykin/dbwarden/internal/history"
	hfactory "github.com/loykin/dbwarden/internal/history/factory"
	"github.com/loykin/dbwarden/internal/ipc"
	"github.com/loykin/dbwarden/internal/logger"
	"github.com/loykin/dbwarden/internal/supervisor"
)

func runServe(flags *ServeFlags, args []string) error {
	configPath := flags.ConfigPath
	if len(args) > 0 {
		configPath = args[0]
	}

	st, err := config.LoadSettings(configPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	if err := os.MkdirAll(st.DataDir, 0o750); err != nil {
		return fmt.Errorf("failed to create data dir %s: %w", st.DataDir, err)
	}

	if flags.Daemonize {
		pidFile := flags.PidFile
		if pidFile == "" {
			pidFile = filepath.Join(st.DataDir, "dbwarden.pid")
		}
		return daemonize(pidFile, flags.LogFile)
	}

	log := logger.New(st.Log)
	slog.SetDefault(log)

	store := config.NewStore(st.InstancesPath())
	enum := enumerator.New()
	checker := newChecker(st)

	var sink history.Sink
	if st.HistoryDSN != "" {
		sink, err = hfactory.NewSinkFromDSN(st.HistoryDSN)
		if err != nil {
			return fmt.Errorf("failed to open history sink: %w", err)
		}
		if closer, ok := sink.(io.Closer); ok {
			defer func() { _ = closer.Close() }()
		}
	}

	sup := supervisor.New(supervisor.Config{
		Interval:  st.ReconcileInterval,
		KillGrace: st.KillGrace,
	}, enum, store, nil, sink, log)

	if st.MetricsListen != "" {
		if err := dbwarden.RegisterMetricsDefault(); err != nil {
			log.Warn("failed to register metrics", "error", err)
		}
		go func() {
			if err := dbwarden.ServeMetrics(st.MetricsListen); err != nil {
				log.Error("metrics server error", "error", err)
			}
		}()
	}

	var adminSrv *http.Server
	if st.HTTPListen != "" {
		adminSrv = dbwarden.NewHTTPServer(st.HTTPListen, "", sup, checker)
		log.Info("admin http server listening", "addr", st.HTTPListen)
	}

	ipcSrv := ipc.NewServer(st.SocketPath, sup, checker, log)
	if err := ipcSrv.Start(); err != nil {
		return fmt.Errorf("failed to start socket server: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sup.Run(ctx)

	log.Info("shutting down")
	if adminSrv != nil {
		_ = adminSrv.Close()
	}
	if err := ipcSrv.Close(); err != nil {
		log.Warn("socket shutdown failed", "error", err)
	}
	return nil
}
