package dbwarden

import (
	"log/slog"
	"net/http"
	"time"

	cfg "github.com/loykin/dbwarden/internal/config"
	"github.com/loykin/dbwarden/internal/conflict"
	"github.com/loykin/dbwarden/internal/enumerator"
	"github.com/loykin/dbwarden/internal/history"
	hfactory "github.com/loykin/dbwarden/internal/history/factory"
	"github.com/loykin/dbwarden/internal/instance"
	"github.com/loykin/dbwarden/internal/ipc"
	"github.com/loykin/dbwarden/internal/metrics"
	"github.com/loykin/dbwarden/internal/portcheck"
	iapi "github.com/loykin/dbwarden/internal/server"
	"github.com/loykin/dbwarden/internal/supervisor"
	"github.com/prometheus/client_golang/prometheus"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Record = instance.Record

type Roster = instance.Roster

type Settings = cfg.Settings

type Checker = portcheck.Checker

type PortResult = portcheck.Result

type Observed = enumerator.Observed

type Resolver = conflict.Resolver

type Decision = conflict.Decision

type PortOccupiedError = conflict.PortOccupiedError

type HistorySink = history.Sink

type Supervisor = supervisor.Supervisor

type SupervisorConfig = supervisor.Config

type Client = ipc.Client

var ErrDaemonNotRunning = ipc.ErrDaemonNotRunning

// NewEnumerator builds a process enumerator recognizing the built-in set of
// database server executables.
func NewEnumerator() *enumerator.Enumerator { return enumerator.New() }

// NewChecker builds a port checker whose busy-port owner lookup is backed by
// the process enumerator's connection table.
func NewChecker(enum *enumerator.Enumerator, opts ...portcheck.Option) *portcheck.Checker {
	lookup := func(port int) (portcheck.Owner, bool) {
		name, pid, ok := enum.OwnerOfPort(port)
		if !ok {
			return portcheck.Owner{}, false
		}
		return portcheck.Owner{Name: name, PID: pid}, true
	}
	return portcheck.New(lookup, opts...)
}

// NewStore opens the JSON instance store at path.
func NewStore(path string) *cfg.Store { return cfg.NewStore(path) }

// LoadSettings reads TOML settings from path; empty path yields defaults.
func LoadSettings(path string) (Settings, error) { return cfg.LoadSettings(path) }

// NewResolver builds the foreground conflict resolver around a checker.
func NewResolver(checker *portcheck.Checker) *Resolver {
	return conflict.NewResolver(checker, checker, nil)
}

// NewSupervisor builds the reconciliation loop over the live process table
// and the instance store. sink and log may be nil.
func NewSupervisor(c SupervisorConfig, enum *enumerator.Enumerator, store *cfg.Store, sink HistorySink, log *slog.Logger) *Supervisor {
	return supervisor.New(c, enum, store, nil, sink, log)
}

// NewSinkFromDSN opens a reconcile-history sink (sqlite, postgres or
// clickhouse) from its DSN.
func NewSinkFromDSN(dsn string) (HistorySink, error) { return hfactory.NewSinkFromDSN(dsn) }

// NewClient returns a client for the daemon socket at socketPath.
func NewClient(socketPath string, timeout time.Duration) *Client {
	return ipc.NewClient(socketPath, timeout)
}

// NewHTTPServer starts the admin HTTP server exposing the daemon's
// capabilities over localhost.
func NewHTTPServer(addr, basePath string, sup *Supervisor, checker *Checker) *http.Server {
	return iapi.NewServer(addr, basePath, sup, checker)
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// ServeMetrics starts an HTTP server on addr exposing /metrics using the
// default registry. It returns any immediate listen error; otherwise it runs
// the server in the caller goroutine.
func ServeMetrics(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv.ListenAndServe()
}
