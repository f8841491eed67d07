package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/loykin/dbwarden/internal/metrics"
	"github.com/loykin/dbwarden/internal/portcheck"
	"github.com/loykin/dbwarden/internal/supervisor"
)

// Connection handling deadlines. A client gets one request/response exchange
// per connection; slow peers are cut off rather than holding the accept loop's
// goroutines forever.
const (
	readDeadline  = 10 * time.Second
	writeDeadline = 10 * time.Second
)

// findPort defaults applied when the request omits parameters.
const (
	defaultFindStart    = 49152 // start of the ephemeral range
	defaultFindAttempts = 100
)

// Server exposes the supervisor's capabilities over a unix domain socket.
type Server struct {
	path    string
	sup     *supervisor.Supervisor
	checker *portcheck.Checker
	log     *slog.Logger

	ln     net.Listener
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

func NewServer(socketPath string, sup *supervisor.Supervisor, checker *portcheck.Checker, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{path: socketPath, sup: sup, checker: checker, log: log, ctx: ctx, cancel: cancel}
}

// Start removes any stale socket file, binds a fresh one with world
// read/write permission (the foreground runs as the same user but the mode
// must not depend on umask), and begins serving connections.
func (s *Server) Start() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return err
	}
	if err := os.Chmod(s.path, 0o666); err != nil {
		_ = ln.Close()
		return err
	}
	s.ln = ln
	s.wg.Add(1)
	go s.acceptLoop()
	s.log.Info("ipc server listening", "socket", s.path)
	return nil
}

// Close stops accepting, waits for in-flight connections, and releases the
// socket file.
func (s *Server) Close() error {
	s.cancel()
	var err error
	if s.ln != nil {
		err = s.ln.Close()
	}
	s.wg.Wait()
	if rmErr := os.Remove(s.path); rmErr != nil && !os.IsNotExist(rmErr) && err == nil {
		err = rmErr
	}
	return err
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || s.ctx.Err() != nil {
				return
			}
			s.log.Warn("ipc accept failed", "error", err)
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer func() { _ = conn.Close() }()
	_ = conn.SetReadDeadline(time.Now().Add(readDeadline))

	var req Request
	if err := json.NewDecoder(conn).Decode(&req); err != nil {
		s.reply(conn, Envelope{Error: ErrInvalidJSON})
		return
	}
	s.reply(conn, s.dispatch(req))
}

func (s *Server) dispatch(req Request) Envelope {
	switch req.Type {
	case TypePing:
		return Envelope{Type: TypePong, Timestamp: now()}
	case TypeStatus:
		return s.handleStatus()
	case TypeCleanup:
		return s.handleCleanup()
	case TypeCheckPort:
		return s.handleCheckPort(req.Data)
	case TypeFindPort:
		return s.handleFindPort(req.Data)
	default:
		return Envelope{Error: ErrUnknownMessageType}
	}
}

func (s *Server) handleStatus() Envelope {
	return Envelope{Type: TypeStatusResponse, Data: StatusData{
		Running:   true,
		PID:       os.Getpid(),
		Uptime:    s.sup.Uptime().Seconds(),
		Timestamp: now(),
	}}
}

func (s *Server) handleCleanup() Envelope {
	res, err := s.sup.RunCycle(s.ctx)
	if err != nil {
		return Envelope{Type: TypeCleanupResponse, Data: CleanupData{
			Success:   false,
			Error:     err.Error(),
			Timestamp: now(),
		}}
	}
	return Envelope{Type: TypeCleanupResponse, Data: CleanupData{
		Success:      true,
		CleanedCount: res.Cleaned(),
		Timestamp:    now(),
	}}
}

func (s *Server) handleCheckPort(raw json.RawMessage) Envelope {
	var params CheckPortParams
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &params); err != nil {
			return Envelope{Error: ErrInvalidJSON}
		}
	}
	res := s.checker.Check(params.Port)
	metrics.IncPortProbe(probeLabel(res))
	data := PortCheckData{
		Success:   true,
		Port:      params.Port,
		Available: res.Available,
		Reason:    res.Reason,
		Timestamp: now(),
	}
	if res.Owner != nil {
		data.ProcessInfo = &ProcessInfo{ProcessName: res.Owner.Name, PID: res.Owner.PID}
	}
	return Envelope{Type: TypePortCheckResponse, Data: data}
}

func (s *Server) handleFindPort(raw json.RawMessage) Envelope {
	params := FindPortParams{StartPort: defaultFindStart, MaxAttempts: defaultFindAttempts}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &params); err != nil {
			return Envelope{Error: ErrInvalidJSON}
		}
		if params.StartPort <= 0 {
			params.StartPort = defaultFindStart
		}
		if params.MaxAttempts <= 0 {
			params.MaxAttempts = defaultFindAttempts
		}
	}
	data := FindPortData{StartPort: params.StartPort, Timestamp: now()}
	port, err := s.checker.FindFree(params.StartPort, params.MaxAttempts)
	if err != nil {
		data.Error = err.Error()
	} else {
		data.Success = true
		data.SuggestedPort = port
	}
	return Envelope{Type: TypeFindPortResponse, Data: data}
}

func probeLabel(res portcheck.Result) string {
	if res.Available {
		return "free"
	}
	return res.Reason
}

func (s *Server) reply(conn net.Conn, env Envelope) {
	_ = conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	if err := json.NewEncoder(conn).Encode(env); err != nil {
		s.log.Warn("ipc reply failed", "error", err)
	}
}
