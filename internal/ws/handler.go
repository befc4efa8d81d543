package ws

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/dockerflow/gateway/internal/logging"
	"github.com/dockerflow/gateway/internal/model"
	"github.com/dockerflow/gateway/internal/monitoring"
	"github.com/dockerflow/gateway/internal/mux"
	"github.com/dockerflow/gateway/internal/session"
)

// Config holds connection timing and limits.
type Config struct {
	// WriteWait is the time allowed to write a frame to the peer.
	WriteWait time.Duration

	// PongWait is the time allowed to read the next frame or pong from the peer.
	PongWait time.Duration

	// PingPeriod must be less than PongWait.
	PingPeriod time.Duration

	// MaxMessageSize is the largest frame accepted from the peer.
	MaxMessageSize int64

	// AllowedOrigins lists accepted Origin headers. Empty or "*" allows any.
	AllowedOrigins []string

	// SinkLimit bounds the output a job stream may queue for a client
	// before the client is dropped with OutputOverrun.
	SinkLimit int
}

func (c *Config) applyDefaults() {
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.PongWait <= 0 {
		c.PongWait = 30 * time.Second
	}
	if c.PingPeriod <= 0 || c.PingPeriod >= c.PongWait {
		c.PingPeriod = (c.PongWait * 9) / 10
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 64 * 1024
	}
	if c.SinkLimit <= 0 {
		c.SinkLimit = mux.DefaultSinkLimit
	}
}

// Sessions opens, attaches and detaches terminal sessions.
type Sessions interface {
	Open(ctx context.Context, req model.OpenSessionRequest) (*session.Session, bool, error)
	Attach(s *session.Session) (*mux.Subscription, error)
	Detach(s *session.Session, sub *mux.Subscription)
}

// Handler handles WebSocket connections for terminal sessions and
// streamed jobs.
type Handler struct {
	cfg      Config
	sessions Sessions
	jobs     Jobs
	hub      *Hub
	upgrader websocket.Upgrader
	logger   *zap.Logger
	metrics  *monitoring.Metrics
}

// NewHandler creates a new WebSocket handler. jobs and metrics may be nil;
// without jobs the job stream refuses every run.
func NewHandler(cfg Config, sessions Sessions, jobs Jobs, logger *zap.Logger, metrics *monitoring.Metrics) *Handler {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		cfg:      cfg,
		sessions: sessions,
		jobs:     jobs,
		hub:      NewHub(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin(cfg.AllowedOrigins),
		},
		logger:  logger.Named("ws"),
		metrics: metrics,
	}
}

// Hub returns the set of live connections.
func (h *Handler) Hub() *Hub {
	return h.hub
}

// Shutdown disconnects every client. Sessions stay alive.
func (h *Handler) Shutdown() {
	if n := h.hub.ClientCount(); n > 0 {
		h.logger.Info("disconnecting websocket clients", zap.Int("count", n))
	}
	h.hub.Close()
}

// HandleConnection upgrades the request and serves the connection in the
// background. With an empty sessionID the first frame must be an attach
// frame naming the session (or asking for a new one).
func (h *Handler) HandleConnection(w http.ResponseWriter, r *http.Request, sessionID string) error {
	client, err := h.accept(w, r)
	if err != nil {
		return err
	}
	go h.serve(client, sessionID)
	return nil
}

// accept upgrades the request, registers the client and starts its write
// pump.
func (h *Handler) accept(w http.ResponseWriter, r *http.Request) (*Client, error) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}

	client := NewClient(conn)
	h.hub.Register(client)
	h.metrics.WSConnected(1)

	go h.writePump(client)
	return client, nil
}

// begin arms the read side of a connection and returns a context that
// ends with the client. The returned func releases the connection.
func (h *Handler) begin(client *Client) (context.Context, func()) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-client.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	conn := client.conn
	conn.SetReadLimit(h.cfg.MaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	})

	return ctx, func() {
		cancel()
		h.hub.Unregister(client)
		h.metrics.WSConnected(-1)
	}
}

// serve runs the attach handshake and then the read loop. It owns the
// connection's lifetime.
func (h *Handler) serve(client *Client, sessionID string) {
	ctx, release := h.begin(client)
	defer release()
	conn := client.conn

	req := model.OpenSessionRequest{ID: sessionID}
	if sessionID == "" {
		msg, err := h.readMessage(client)
		if err != nil {
			return
		}
		if msg == nil || msg.Type != MessageTypeAttach {
			h.send(ctx, client, errorMessage(model.NewError(model.KindInvalidArgument, "first frame must be %q", MessageTypeAttach)))
			return
		}
		req = model.OpenSessionRequest{ID: msg.SessionID, Cols: msg.Cols, Rows: msg.Rows}
	}

	s, resumed, err := h.sessions.Open(ctx, req)
	if err != nil {
		h.logger.Info("attach refused", zap.String("session_id", req.ID), zap.Error(err))
		h.send(ctx, client, errorMessage(err))
		return
	}
	sub, err := h.sessions.Attach(s)
	if err != nil {
		h.logger.Info("attach refused", logging.SessionID(s.ID()), zap.Bool("resumed", resumed), zap.Error(err))
		h.send(ctx, client, errorMessage(err))
		return
	}
	defer h.sessions.Detach(s, sub)

	client.setSessionID(s.ID())
	log := h.logger.With(logging.SessionID(s.ID()))
	log.Info("client attached", zap.Bool("resumed", resumed), zap.String("remote", conn.RemoteAddr().String()))

	snap := s.Snapshot()
	if err := h.send(ctx, client, &Message{
		Type:      MessageTypeAttached,
		SessionID: s.ID(),
		Resumed:   &resumed,
		Cols:      snap.Cols,
		Rows:      snap.Rows,
	}); err != nil {
		return
	}

	go h.outputPump(ctx, client, s, sub, log)
	h.readLoop(ctx, client, s, log)
	log.Info("client detached")
}

// readLoop dispatches client frames until the connection fails.
func (h *Handler) readLoop(ctx context.Context, client *Client, s *session.Session, log *zap.Logger) {
	for {
		msg, err := h.readMessage(client)
		if err != nil {
			return
		}
		if msg == nil {
			h.send(ctx, client, errorMessage(model.NewError(model.KindInvalidArgument, "malformed frame")))
			continue
		}

		switch msg.Type {
		case MessageTypeInput:
			if err := s.Write([]byte(msg.Data)); err != nil {
				h.send(ctx, client, errorMessage(err))
			}
		case MessageTypeResize:
			if err := s.Resize(msg.Cols, msg.Rows); err != nil {
				h.send(ctx, client, errorMessage(err))
			}
		case MessageTypePing:
			h.send(ctx, client, &Message{Type: MessageTypePong})
		case MessageTypeAttach:
			h.send(ctx, client, errorMessage(model.NewError(model.KindInvalidArgument, "already attached to %s", s.ID())))
		default:
			log.Debug("unknown message type", zap.String("type", string(msg.Type)))
			h.send(ctx, client, errorMessage(model.NewError(model.KindInvalidArgument, "unknown message type %q", msg.Type)))
		}
	}
}

// readMessage reads one frame. A frame that is not valid JSON yields a
// nil message and a nil error.
func (h *Handler) readMessage(client *Client) (*Message, error) {
	_, data, err := client.conn.ReadMessage()
	if err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
			h.logger.Debug("websocket read error", zap.Error(err))
		}
		return nil, err
	}
	client.conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))

	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		h.metrics.WSMessage("in", "malformed")
		return nil, nil
	}
	h.metrics.WSMessage("in", string(msg.Type))
	return &msg, nil
}

// outputPump forwards session output to the client. It ends the
// connection when the session closes or the client overruns its buffer.
func (h *Handler) outputPump(ctx context.Context, client *Client, s *session.Session, sub *mux.Subscription, log *zap.Logger) {
	var split splitter
	for {
		chunk, err := sub.Next(ctx)
		if out := split.next(chunk); len(out) > 0 {
			if h.send(ctx, client, &Message{Type: MessageTypeOutput, Data: string(out)}) != nil {
				return
			}
		}
		if err == nil {
			continue
		}

		switch {
		case errors.Is(err, model.ErrOutputOverrun):
			log.Warn("client fell behind, disconnecting")
			h.send(ctx, client, errorMessage(model.NewError(model.KindOutputOverrun, "client fell too far behind the session output")))
		case errors.Is(err, io.EOF):
			if rest := split.flush(); len(rest) > 0 {
				h.send(ctx, client, &Message{Type: MessageTypeOutput, Data: string(rest)})
			}
			select {
			case <-s.Done():
			case <-ctx.Done():
				return
			}
			exit := &Message{Type: MessageTypeExit}
			if code, ok := s.ExitCode(); ok {
				exit.ExitCode = &code
			}
			h.send(ctx, client, exit)
		default:
			return
		}
		client.Close()
		return
	}
}

// writePump writes queued frames and pings to the connection. After the
// client is closed it flushes what is queued, sends a close frame and
// releases the connection.
func (h *Handler) writePump(client *Client) {
	ticker := time.NewTicker(h.cfg.PingPeriod)
	conn := client.conn
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	write := func(data []byte) bool {
		conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteWait))
		return conn.WriteMessage(websocket.TextMessage, data) == nil
	}

	for {
		select {
		case data := <-client.send:
			if !write(data) {
				client.Close()
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				client.Close()
				return
			}
		case <-client.Done():
			for {
				select {
				case data := <-client.send:
					if !write(data) {
						return
					}
				default:
					conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteWait))
					conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
					return
				}
			}
		}
	}
}

func (h *Handler) send(ctx context.Context, client *Client, msg *Message) error {
	h.metrics.WSMessage("out", string(msg.Type))
	return client.Send(ctx, msg)
}

func checkOrigin(allowed []string) func(r *http.Request) bool {
	for _, o := range allowed {
		if o == "*" {
			allowed = nil
			break
		}
	}
	return func(r *http.Request) bool {
		if len(allowed) == 0 {
			return true
		}
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, o := range allowed {
			if strings.EqualFold(o, origin) {
				return true
			}
		}
		return false
	}
}
