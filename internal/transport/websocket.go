// Package transport carries hub connections over WebSockets. Every binary
// message is one protocol frame.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"collab/syncd/internal/access"
	"collab/syncd/internal/hub"
)

type Config struct {
	// WriteWait bounds a single write.
	WriteWait time.Duration
	// PongWait is how long the peer may stay silent. Pings go out every
	// PingPeriod, which must be shorter.
	PongWait   time.Duration
	PingPeriod time.Duration
	ReadLimit  int64
	// AllowedOrigins lists accepted Origin headers; "*" or an empty list
	// accepts any origin.
	AllowedOrigins []string
}

func DefaultConfig() Config {
	return Config{
		WriteWait:  10 * time.Second,
		PongWait:   60 * time.Second,
		PingPeriod: 54 * time.Second,
		ReadLimit:  8 << 20,
	}
}

type Server struct {
	hub      *hub.Hub
	cfg      Config
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

func NewServer(h *hub.Hub, cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = def.WriteWait
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = def.PongWait
	}
	if cfg.PingPeriod <= 0 || cfg.PingPeriod >= cfg.PongWait {
		cfg.PingPeriod = cfg.PongWait * 9 / 10
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = def.ReadLimit
	}
	s := &Server{hub: h, cfg: cfg, logger: logger}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// Handle upgrades the request and runs the connection for principal until
// either side closes it.
func (s *Server) Handle(w http.ResponseWriter, r *http.Request, principal access.Principal) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied with an HTTP error.
		s.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	conn, err := s.hub.Connect(principal)
	if err != nil {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(s.cfg.WriteWait))
		_ = ws.Close()
		return
	}
	if err := Run(r.Context(), ws, conn, s.cfg, s.logger); err != nil {
		s.logger.Debug("websocket closed", slog.String("conn_id", conn.ID()), slog.String("error", err.Error()))
	}
}

// Run pumps frames between ws and conn until one of them closes. It returns
// the read error that ended the connection, or nil for a normal close.
func Run(ctx context.Context, ws *websocket.Conn, conn *hub.Connection, cfg Config, logger *slog.Logger) error {
	defer ws.Close()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		writePump(ws, conn, cfg, logger)
	}()

	err := readPump(ctx, ws, conn, cfg)
	conn.Close(nil)
	wg.Wait()

	if err == nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return nil
	}
	return err
}

func readPump(ctx context.Context, ws *websocket.Conn, conn *hub.Connection, cfg Config) error {
	ws.SetReadLimit(cfg.ReadLimit)
	_ = ws.SetReadDeadline(time.Now().Add(cfg.PongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(cfg.PongWait))
	})
	for {
		mt, msg, err := ws.ReadMessage()
		if err != nil {
			select {
			case <-conn.Done():
				return nil
			default:
			}
			return fmt.Errorf("read message: %w", err)
		}
		_ = ws.SetReadDeadline(time.Now().Add(cfg.PongWait))
		if mt != websocket.BinaryMessage {
			continue
		}
		conn.Receive(ctx, msg)
	}
}

func writePump(ws *websocket.Conn, conn *hub.Connection, cfg Config, logger *slog.Logger) {
	ticker := time.NewTicker(cfg.PingPeriod)
	defer ticker.Stop()

	write := func(raw []byte) error {
		_ = ws.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
		return ws.WriteMessage(websocket.BinaryMessage, raw)
	}

	for {
		select {
		case raw := <-conn.Outbound():
			if err := write(raw); err != nil {
				logger.Debug("websocket write failed", slog.String("conn_id", conn.ID()), slog.String("error", err.Error()))
				conn.Close(nil)
				_ = ws.Close()
				return
			}
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(cfg.WriteWait)); err != nil {
				conn.Close(nil)
				_ = ws.Close()
				return
			}
		case <-conn.Done():
			// Frames queued before the close, such as the error that caused
			// it, are still delivered.
		drain:
			for {
				select {
				case raw := <-conn.Outbound():
					if write(raw) != nil {
						_ = ws.Close()
						return
					}
				default:
					break drain
				}
			}
			_ = ws.WriteControl(websocket.CloseMessage, closeMessage(conn.Err()), time.Now().Add(cfg.WriteWait))
			_ = ws.Close()
			return
		}
	}
}

func closeMessage(reason error) []byte {
	switch {
	case reason == nil:
		return websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	case errors.Is(reason, hub.ErrClosed):
		return websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	case errors.Is(reason, hub.ErrTooManyErrors):
		return websocket.FormatCloseMessage(websocket.CloseProtocolError, "too many malformed frames")
	case errors.Is(reason, hub.ErrQueueOverflow):
		return websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "too slow, resync")
	default:
		return websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "internal error")
	}
}
