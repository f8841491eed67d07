// Package server exposes the daemon's capabilities over localhost HTTP for
// tooling that cannot speak the unix-socket protocol. Payload shapes match
// the socket protocol's response types.
package server

import (
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/loykin/dbwarden/internal/ipc"
	"github.com/loykin/dbwarden/internal/metrics"
	"github.com/loykin/dbwarden/internal/portcheck"
	"github.com/loykin/dbwarden/internal/supervisor"
)

// findPort defaults applied when the query omits parameters, same as the
// socket server.
const (
	defaultFindStart    = 49152
	defaultFindAttempts = 100
)

// Router provides embeddable HTTP handlers mirroring the socket protocol.
// Endpoints:
//
//	GET  {basePath}/status
//	POST {basePath}/cleanup
//	GET  {basePath}/check-port?port=5432
//	GET  {basePath}/find-port?start=49152&maxAttempts=100
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	sup      *supervisor.Supervisor
	checker  *portcheck.Checker
	basePath string
}

func NewRouter(sup *supervisor.Supervisor, checker *portcheck.Checker, basePath string) *Router {
	return &Router{sup: sup, checker: checker, basePath: sanitizeBase(basePath)}
}

// Handler returns an http.Handler powered by gin that can be mounted in any mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/status", r.handleStatus)
	group.POST("/cleanup", r.handleCleanup)
	group.GET("/check-port", r.handleCheckPort)
	group.GET("/find-port", r.handleFindPort)
	return g
}

// NewServer starts a standalone HTTP server on addr using this router. The
// caller shuts it down via http.Server's Close or Shutdown.
func NewServer(addr, basePath string, sup *supervisor.Supervisor, checker *portcheck.Checker) *http.Server {
	r := NewRouter(sup, checker, basePath)
	srv := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}

type errorResp struct {
	Error string `json:"error"`
}

func (r *Router) handleStatus(c *gin.Context) {
	writeJSON(c, http.StatusOK, ipc.StatusData{
		Running:   true,
		PID:       os.Getpid(),
		Uptime:    r.sup.Uptime().Seconds(),
		Timestamp: time.Now().UnixMilli(),
	})
}

func (r *Router) handleCleanup(c *gin.Context) {
	res, err := r.sup.RunCycle(c.Request.Context())
	if err != nil {
		writeJSON(c, http.StatusOK, ipc.CleanupData{
			Success:   false,
			Error:     err.Error(),
			Timestamp: time.Now().UnixMilli(),
		})
		return
	}
	writeJSON(c, http.StatusOK, ipc.CleanupData{
		Success:      true,
		CleanedCount: res.Cleaned(),
		Timestamp:    time.Now().UnixMilli(),
	})
}

func (r *Router) handleCheckPort(c *gin.Context) {
	portStr := c.Query("port")
	if portStr == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "port query param required"})
		return
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "port must be an integer"})
		return
	}
	// Out-of-range ports are a successful probe with a rejection reason,
	// not an HTTP error, matching the socket protocol.
	res := r.checker.Check(port)
	if res.Available {
		metrics.IncPortProbe("free")
	} else {
		metrics.IncPortProbe(res.Reason)
	}
	data := ipc.PortCheckData{
		Success:   true,
		Port:      port,
		Available: res.Available,
		Reason:    res.Reason,
		Timestamp: time.Now().UnixMilli(),
	}
	if res.Owner != nil {
		data.ProcessInfo = &ipc.ProcessInfo{ProcessName: res.Owner.Name, PID: res.Owner.PID}
	}
	writeJSON(c, http.StatusOK, data)
}

func (r *Router) handleFindPort(c *gin.Context) {
	start := queryInt(c, "start", defaultFindStart)
	attempts := queryInt(c, "maxAttempts", defaultFindAttempts)
	if start <= 0 {
		start = defaultFindStart
	}
	if attempts <= 0 {
		attempts = defaultFindAttempts
	}
	data := ipc.FindPortData{StartPort: start, Timestamp: time.Now().UnixMilli()}
	port, err := r.checker.FindFree(start, attempts)
	if err != nil {
		data.Error = err.Error()
	} else {
		data.Success = true
		data.SuggestedPort = port
	}
	writeJSON(c, http.StatusOK, data)
}

func queryInt(c *gin.Context, key string, def int) int {
	s := c.Query(key)
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}
