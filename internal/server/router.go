package server

import (
	"crypto/tls"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/tailvisor/internal/auth"
	mng "github.com/loykin/tailvisor/internal/manager"
	"github.com/loykin/tailvisor/internal/process"
)

// Router provides embeddable HTTP handlers for managing processes.
// Endpoints:
//
//	POST   {basePath}/new          body: Spec JSON, returns the new id as text
//	GET    {basePath}/list         all records as JSON
//	GET    {basePath}/:id          retained log as text
//	PATCH  {basePath}/:id          body: Spec JSON; replaces the record, returns the new id
//	DELETE {basePath}/:id          kills and removes the record
//	POST   {basePath}/:id/restart  restarts monitoring with a fresh record
//	POST   {basePath}/:id/kill     kills the child and disables autostart
//	GET    {basePath}/:id/tail     websocket of live output; ?history=1 replays the log first
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	mgr      *mng.Manager
	basePath string
	metrics  http.Handler
	auth     *auth.Service
	log      *slog.Logger
}

// NewRouter constructs a new Router with configurable basePath.
// Example basePath: "/api" results in /api/new, /api/list, /api/1 ...
func NewRouter(mgr *mng.Manager, basePath string) *Router {
	return &Router{mgr: mgr, basePath: sanitizeBase(basePath), log: slog.Default()}
}

// BasePath is the cleaned prefix the routes are mounted under.
func (r *Router) BasePath() string { return r.basePath }

// WithMetrics serves h at /metrics, outside the base path.
func (r *Router) WithMetrics(h http.Handler) *Router {
	r.metrics = h
	return r
}

// WithAuth requires credentials on every API route. /metrics stays open.
func (r *Router) WithAuth(s *auth.Service) *Router {
	r.auth = s
	return r
}

// WithLogger sets the logger used for tail connections.
func (r *Router) WithLogger(l *slog.Logger) *Router {
	if l != nil {
		r.log = l
	}
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	if r.auth != nil {
		group.Use(r.auth.GinAuth())
	}
	group.POST("/new", r.handleNew)
	group.GET("/list", r.handleList)
	group.GET("/:id", r.handleLog)
	group.PATCH("/:id", r.handleUpdate)
	group.DELETE("/:id", r.handleDelete)
	group.POST("/:id/restart", r.handleRestart)
	group.POST("/:id/kill", r.handleKill)
	group.GET("/:id/tail", r.handleTail)
	if r.metrics != nil {
		g.GET("/metrics", gin.WrapH(r.metrics))
	}
	return g
}

// NewServer binds addr and serves h in the background. Bind errors are
// returned; the listener is closed by the server's Shutdown or Close.
// No write timeout is set since tail connections are long lived.
func NewServer(addr string, h http.Handler) (*http.Server, net.Addr, error) {
	return NewTLSServer(addr, h, nil)
}

// NewTLSServer is NewServer with TLS termination. A nil tlsCfg serves plain HTTP.
func NewTLSServer(addr string, h http.Handler, tlsCfg *tls.Config) (*http.Server, net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, err
	}
	server := &http.Server{
		Addr:              addr,
		Handler:           h,
		TLSConfig:         tlsCfg,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	if tlsCfg != nil {
		// certificates come from tlsCfg.GetCertificate
		go func() { _ = server.ServeTLS(ln, "", "") }()
	} else {
		go func() { _ = server.Serve(ln) }()
	}
	return server, ln.Addr(), nil
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

func (r *Router) handleNew(c *gin.Context) {
	var spec process.Spec
	if err := c.ShouldBindJSON(&spec); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	id, err := r.mgr.Create(c.Request.Context(), spec)
	if err != nil {
		writeError(c, err)
		return
	}
	writeID(c, id)
}

func (r *Router) handleList(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.mgr.List())
}

func (r *Router) handleLog(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	b, err := r.mgr.Log(id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.Data(http.StatusOK, "text/plain; charset=utf-8", b)
}

func (r *Router) handleUpdate(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var spec process.Spec
	if err := c.ShouldBindJSON(&spec); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	newID, err := r.mgr.Update(c.Request.Context(), id, spec)
	if err != nil {
		writeError(c, err)
		return
	}
	writeID(c, newID)
}

func (r *Router) handleDelete(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	if err := r.mgr.Delete(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleRestart(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	if err := r.mgr.Restart(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleKill(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	if err := r.mgr.Kill(id); err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}
