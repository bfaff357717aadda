package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/framelink/framelink/internal/config"
	"github.com/framelink/framelink/internal/logging"
	"github.com/framelink/framelink/internal/metrics"
	"github.com/framelink/framelink/internal/middleware"
	"github.com/framelink/framelink/internal/serial"
	"github.com/framelink/framelink/internal/session"
	"github.com/framelink/framelink/internal/shared/id"
	"github.com/framelink/framelink/internal/transport"
)

// Server hosts child connections: each websocket upgrade becomes a host
// session with its own registry and dispatch loop.
type Server struct {
	cfg      *config.Config
	log      *logging.Logger
	met      *metrics.Metrics
	registry *prometheus.Registry
	router   *gin.Engine
	httpSrv  *http.Server
	upgrader websocket.Upgrader
	started  time.Time

	mu       sync.Mutex
	sessions map[id.SessionID]*session.Session
}

// NewServer wires the router, metrics, and websocket upgrader.
func NewServer(cfg *config.Config, log *logging.Logger) *Server {
	if log == nil {
		log = logging.Nop()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())

	s := &Server{
		cfg:      cfg,
		log:      log.Named("server"),
		met:      metrics.New(reg),
		registry: reg,
		started:  time.Now(),
		sessions: make(map[id.SessionID]*session.Session),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Origin policy is enforced by the CORS layer; the upgrade
			// accepts whatever reached it.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.AllowedOrigins))

	router.GET("/healthz", s.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	router.GET("/sessions", s.handleSessions)
	router.GET("/ws", s.handleSocket)

	s.router = router
	return s
}

// Run starts the HTTP listener and blocks until it stops.
func (s *Server) Run() error {
	addr := s.cfg.Server.Host + ":" + s.cfg.Server.Port
	s.log.Info("listening", zap.String("addr", addr))

	s.httpSrv = &http.Server{Addr: addr, Handler: s.router}
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Close drains the HTTP listener and tears down every live session.
func (s *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var err error
	if s.httpSrv != nil {
		err = s.httpSrv.Shutdown(ctx)
	}

	s.mu.Lock()
	live := make([]*session.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		live = append(live, sess)
	}
	s.sessions = make(map[id.SessionID]*session.Session)
	s.mu.Unlock()

	for _, sess := range live {
		sess.Cleanup()
	}
	return err
}

func (s *Server) handleHealth(c *gin.Context) {
	s.mu.Lock()
	count := len(s.sessions)
	s.mu.Unlock()

	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"uptime":   time.Since(s.started).String(),
		"sessions": count,
	})
}

func (s *Server) handleSessions(c *gin.Context) {
	s.mu.Lock()
	out := make([]gin.H, 0, len(s.sessions))
	for sid, sess := range s.sessions {
		out = append(out, gin.H{
			"id":    string(sid),
			"state": sess.State().String(),
		})
	}
	s.mu.Unlock()

	c.JSON(http.StatusOK, gin.H{"sessions": out})
}

// handleSocket upgrades the request and runs one host session over it.
func (s *Server) handleSocket(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	tr := transport.NewWS(conn, s.cfg.Protocol, s.log)
	sess := session.New(session.RoleHost, tr,
		session.WithConfig(s.cfg.Protocol),
		session.WithLogger(s.log),
		session.WithMetrics(s.met),
		session.WithSnapshot(map[string]any{
			"base":   "/",
			"theme":  "light",
			"locale": "en",
		}),
		session.WithNotify(func(n session.Notice) {
			s.log.Info("session notice",
				zap.String("kind", n.Kind),
				zap.Any("data", n.Data))
		}),
	)

	if _, err := sess.Register(s.hostMethods(sess)); err != nil {
		s.log.Error("host method registration failed", zap.Error(err))
		sess.Cleanup()
		return
	}

	s.mu.Lock()
	s.sessions[sess.ID()] = sess
	s.mu.Unlock()

	go s.runSession(sess, tr)
}

func (s *Server) runSession(sess *session.Session, tr transport.Transport) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Protocol.InitTimeout+time.Second)
	err := sess.Initialize(ctx)
	cancel()
	if err != nil {
		s.log.Warn("handshake failed",
			zap.String("session_id", string(sess.ID())),
			zap.Error(err))
		sess.Cleanup()
		s.forget(sess.ID())
		return
	}
	s.log.Info("session ready", zap.String("session_id", string(sess.ID())))

	<-tr.Done()
	sess.Cleanup()
	s.forget(sess.ID())
}

func (s *Server) forget(sid id.SessionID) {
	s.mu.Lock()
	delete(s.sessions, sid)
	s.mu.Unlock()
}

// hostMethods is the call surface every connected child gets.
func (s *Server) hostMethods(sess *session.Session) map[string]serial.Func {
	return map[string]serial.Func{
		"getStats": func(ctx context.Context, args []any) (any, error) {
			s.mu.Lock()
			count := len(s.sessions)
			s.mu.Unlock()
			return map[string]any{
				"uptime":   time.Since(s.started).Seconds(),
				"sessions": float64(count),
			}, nil
		},
		"whoami": func(ctx context.Context, args []any) (any, error) {
			return string(sess.ID()), nil
		},
	}
}
