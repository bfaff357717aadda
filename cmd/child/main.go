// Command child is a demo embedded client: it dials the host server,
// runs the handshake (falling back to standalone when no host answers),
// watches theme changes, and calls host methods.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/framelink/framelink/internal/config"
	"github.com/framelink/framelink/internal/logging"
	"github.com/framelink/framelink/internal/serial"
	"github.com/framelink/framelink/internal/session"
	"github.com/framelink/framelink/internal/transport"
)

func main() {
	addr := flag.String("addr", "ws://localhost:8090/ws", "Host websocket URL")
	flag.Parse()

	cfg := config.LoadOrDefault()
	logger, err := logging.New(logging.Config{
		Level:       cfg.Logging.Level,
		Development: true,
	})
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	conn, _, err := websocket.DefaultDialer.Dial(*addr, nil)
	if err != nil {
		log.Fatalf("Failed to dial %s: %v", *addr, err)
	}

	tr := transport.NewWS(conn, cfg.Protocol, logger)
	sess := session.New(session.RoleChild, tr,
		session.WithConfig(cfg.Protocol),
		session.WithLogger(logger),
		session.WithNotify(func(n session.Notice) {
			logger.Info("notice", zap.String("kind", n.Kind), zap.Any("data", n.Data))
		}),
	)
	defer sess.Cleanup()

	ctx := context.Background()
	if err := sess.Initialize(ctx); err != nil {
		log.Fatalf("Handshake failed: %v", err)
	}

	if sess.State() == session.StateStandalone {
		logger.Info("running standalone, host features unavailable")
	} else {
		logger.Info("connected", zap.Any("snapshot", sess.Snapshot()))

		if _, err := sess.Register(map[string]serial.Func{
			"ping": func(ctx context.Context, args []any) (any, error) {
				return "pong", nil
			},
		}); err != nil {
			logger.Warn("register failed", zap.Error(err))
		}

		if _, err := sess.Watch(func(name string, newValue, oldValue any) {
			logger.Info("property changed",
				zap.String("name", name),
				zap.Any("new", newValue),
				zap.Any("old", oldValue))
		}, "theme"); err != nil {
			logger.Warn("watch failed", zap.Error(err))
		}

		waitForMethod(sess, "getStats")
		stats, err := sess.Call(ctx, "getStats")
		if err != nil {
			logger.Warn("getStats failed", zap.Error(err))
		} else {
			logger.Info("host stats", zap.Any("stats", stats))
		}

		if err := sess.EmitCustom(ctx, "child-started", map[string]any{"pid": float64(os.Getpid())}); err != nil {
			logger.Warn("emit failed", zap.Error(err))
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	logger.Info("shutting down")
}

// waitForMethod polls until the host announces name, bounded by a short
// deadline. The announcement follows ready on the same ordered channel so
// this normally resolves on the first pass.
func waitForMethod(sess *session.Session, name string) {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, m := range sess.RemoteMethods() {
			if m == name {
				return
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
}
