package admin

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/danmuck/p2pnet/internal/auth"
	"github.com/danmuck/p2pnet/internal/logging"
	"github.com/danmuck/p2pnet/internal/node"
	"github.com/danmuck/p2pnet/internal/observability"
	"github.com/danmuck/p2pnet/internal/protocol/frame"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

type Config struct {
	Addr        string
	CorsOrigins []string
	Version     string
	// Token, when set, is required as a bearer token on every mutating route.
	Token string
}

// Server is the HTTP admin surface for one node.
type Server struct {
	cfg     Config
	node    *node.Node
	router  *gin.Engine
	log     zerolog.Logger
	started time.Time
	srv     *http.Server
}

func New(n *node.Node, cfg Config) *Server {
	observability.RegisterMetrics()
	logger := logging.Component("admin")

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(logger))
	r.Use(observability.RequestMetricsMiddleware(n.Addr()))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(cfg.CorsOrigins),
		AllowMethods: []string{"GET", "POST", "DELETE"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		cfg:     cfg,
		node:    n,
		router:  r,
		log:     logger,
		started: time.Now(),
	}
	s.srv = &http.Server{
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.registerRoutes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve runs the admin server on ln until Shutdown is called.
func (s *Server) Serve(ln net.Listener) error {
	s.log.Info().Str("addr", ln.Addr().String()).Msg("admin listening")
	err := s.srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	r := s.router
	r.GET("/health", s.health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.node.Stats())
	})
	r.GET("/peers", s.listPeers)

	ops := r.Group("/")
	if s.cfg.Token != "" {
		ops.Use(auth.RequireBearer(auth.StaticToken{Token: s.cfg.Token}))
	}
	ops.POST("/peers", s.connectPeer)
	ops.DELETE("/peers/:id", s.removePeer)
	ops.POST("/peers/:id/send", s.sendToPeer)
	ops.POST("/broadcast", s.broadcast)
	ops.POST("/stop", s.stop)
}

func (s *Server) health(c *gin.Context) {
	id := s.node.Identity()
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"state":   s.node.State().String(),
		"node":    s.node.Addr(),
		"id":      id.ID,
		"uptime":  time.Since(s.started).String(),
		"version": s.cfg.Version,
	})
}

func (s *Server) listPeers(c *gin.Context) {
	peers := s.node.Peers()
	infos := make([]node.PeerInfo, 0, len(peers))
	for _, p := range peers {
		infos = append(infos, p.Info())
	}
	c.JSON(http.StatusOK, gin.H{
		"peers":   infos,
		"summary": s.node.Summary(),
	})
}

type connectRequest struct {
	Host string `json:"host" binding:"required"`
	Port int    `json:"port" binding:"required,min=1,max=65535"`
}

func (s *Server) connectPeer(c *gin.Context) {
	var req connectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	p, err := s.node.Connect(c.Request.Context(), strings.TrimSpace(req.Host), req.Port)
	switch {
	case err == nil:
		c.JSON(http.StatusCreated, gin.H{"peer": p.Info()})
	case errors.Is(err, node.ErrAlreadyConnected):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "peer": p.Info()})
	default:
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
	}
}

func (s *Server) removePeer(c *gin.Context) {
	p, ok := s.node.Lookup(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": node.ErrUnknownPeer.Error()})
		return
	}
	var err error
	if p.Direction == node.Outbound {
		err = s.node.Disconnect(p)
	} else {
		err = s.node.Drop(p)
	}
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "peer": p.Info()})
}

type messageRequest struct {
	Message string `json:"message"`
}

func (s *Server) sendToPeer(c *gin.Context) {
	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	p, ok := s.node.Lookup(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": node.ErrUnknownPeer.Error()})
		return
	}
	if err := s.node.SendTo(p, []byte(req.Message)); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) broadcast(c *gin.Context) {
	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	delivered := s.node.Broadcast([]byte(req.Message))
	c.JSON(http.StatusOK, gin.H{"delivered": delivered})
}

func (s *Server) stop(c *gin.Context) {
	s.log.Info().Str("client_ip", c.ClientIP()).Msg("stop requested over admin")
	go s.node.Stop()
	c.JSON(http.StatusAccepted, gin.H{"status": "stopping"})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, node.ErrUnknownPeer):
		return http.StatusNotFound
	case errors.Is(err, frame.ErrFrameTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, node.ErrSelfConnect):
		return http.StatusBadRequest
	case errors.Is(err, node.ErrNotStarted), errors.Is(err, node.ErrStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, node.ErrConnect), errors.Is(err, node.ErrHandshake):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
