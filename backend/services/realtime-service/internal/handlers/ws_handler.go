package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fathima-sithara/inventory-realtime/backend/services/realtime-service/internal/chat"
	"github.com/fathima-sithara/inventory-realtime/backend/services/realtime-service/internal/hub"
	"github.com/fathima-sithara/inventory-realtime/backend/services/realtime-service/internal/identity"
	"github.com/fathima-sithara/inventory-realtime/backend/services/realtime-service/internal/metric"
	"github.com/fathima-sithara/inventory-realtime/backend/services/realtime-service/internal/presence"
	"github.com/fathima-sithara/inventory-realtime/backend/shared/apperr"
	"github.com/fathima-sithara/inventory-realtime/backend/shared/middleware"
)

// Inbound is a client frame.
type Inbound struct {
	Type        string `json:"type"` // heartbeat, subscribe, unsubscribe, chat.send, chat.read
	Destination string `json:"destination,omitempty"`
	ChatID      string `json:"chatId,omitempty"`
	Content     string `json:"content,omitempty"`
}

type errorFrame struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

type MessageAppender interface {
	Append(ctx context.Context, p identity.Principal, chatID, content string, at time.Time) (*chat.MessageView, error)
}

type ChatReader interface {
	MarkChatRead(ctx context.Context, p identity.Principal, chatID string) (int64, error)
}

type Options struct {
	PingInterval   time.Duration
	WriteDeadline  time.Duration
	ReadTimeout    time.Duration
	MaxMessageSize int64
	RatePerSec     float64
}

type WSHandler struct {
	hub      *hub.Hub
	tracker  *presence.Tracker
	messages MessageAppender
	chats    ChatReader
	opts     Options
	logger   *zap.SugaredLogger
}

func NewWSHandler(h *hub.Hub, tr *presence.Tracker, messages MessageAppender, chats ChatReader, opts Options, logger *zap.SugaredLogger) *WSHandler {
	if opts.PingInterval <= 0 {
		opts.PingInterval = 25 * time.Second
	}
	if opts.WriteDeadline <= 0 {
		opts.WriteDeadline = 10 * time.Second
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 3 * opts.PingInterval
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = 64 * 1024
	}
	if opts.RatePerSec <= 0 {
		opts.RatePerSec = 20
	}
	return &WSHandler{hub: h, tracker: tr, messages: messages, chats: chats, opts: opts, logger: logger}
}

// RequireUpgrade lets only WebSocket handshakes through.
func RequireUpgrade(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

// Handler serves an upgraded connection. The principal must already be in
// Locals, set by auth.Authenticator.Upgrade.
func (w *WSHandler) Handler() fiber.Handler {
	return websocket.New(w.serve)
}

// session is one connection's inbound side.
type session struct {
	p       identity.Principal
	connID  string
	sub     *hub.Subscriber
	limiter *rate.Limiter
}

func (w *WSHandler) newSession(p identity.Principal) *session {
	connID := uuid.NewString()
	burst := int(w.opts.RatePerSec)
	if burst < 1 {
		burst = 1
	}
	return &session{
		p:       p,
		connID:  connID,
		sub:     w.hub.Register(connID, p.UserID, p.CompanyID),
		limiter: rate.NewLimiter(rate.Limit(w.opts.RatePerSec), burst),
	}
}

func (w *WSHandler) serve(c *websocket.Conn) {
	p, _ := c.Locals(middleware.LocalsPrincipal).(identity.Principal)
	s := w.newSession(p)
	metric.Connections.Inc()
	log := w.logger.With("conn_id", s.connID, "user_id", p.UserID, "company_id", p.CompanyID)

	ctx, cancel := context.WithCancel(context.Background())
	if p.Authenticated() {
		w.tracker.Connect(ctx, p, s.connID)
	}
	log.Infow("websocket connected", "authenticated", p.Authenticated())

	writerDone := make(chan struct{})
	defer func() {
		if r := recover(); r != nil {
			log.Errorw("websocket handler panic", "panic", r, "stack", string(debug.Stack()))
		}
		cancel()
		w.hub.Unregister(s.sub)
		if p.Authenticated() {
			w.tracker.Disconnect(context.Background(), p.UserID, s.connID)
		}
		<-writerDone
		metric.Connections.Dec()
		log.Infow("websocket disconnected", "dropped_frames", s.sub.Dropped())
	}()

	go w.writePump(c, s, writerDone, log)
	w.readPump(ctx, c, s)
}

func (w *WSHandler) readPump(ctx context.Context, c *websocket.Conn, s *session) {
	c.SetReadLimit(w.opts.MaxMessageSize)
	_ = c.SetReadDeadline(time.Now().Add(w.opts.ReadTimeout))
	c.SetPongHandler(func(string) error {
		if s.p.Authenticated() {
			w.tracker.Touch(s.p.UserID, s.connID)
		}
		return c.SetReadDeadline(time.Now().Add(w.opts.ReadTimeout))
	})

	for {
		mt, msg, err := c.ReadMessage()
		if err != nil {
			return
		}
		_ = c.SetReadDeadline(time.Now().Add(w.opts.ReadTimeout))
		if mt != websocket.TextMessage {
			continue
		}
		w.dispatch(ctx, s, msg)
	}
}

func (w *WSHandler) writePump(c *websocket.Conn, s *session, done chan<- struct{}, log *zap.SugaredLogger) {
	ticker := time.NewTicker(w.opts.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.Close()
		close(done)
	}()
	for {
		select {
		case <-s.sub.Done():
			_ = c.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return
		case b := <-s.sub.Send():
			_ = c.SetWriteDeadline(time.Now().Add(w.opts.WriteDeadline))
			if err := c.WriteMessage(websocket.TextMessage, b); err != nil {
				log.Debugw("write failed", "err", err)
				return
			}
		case <-ticker.C:
			if err := c.WriteControl(websocket.PingMessage, nil, time.Now().Add(w.opts.WriteDeadline)); err != nil {
				log.Debugw("ping failed", "err", err)
				return
			}
		}
	}
}

// dispatch handles one inbound frame. Failures are answered with an error
// frame on the same connection and never close it.
func (w *WSHandler) dispatch(ctx context.Context, s *session, raw []byte) {
	if !s.limiter.Allow() {
		w.reply(s, apperr.ErrRateLimited)
		return
	}
	var in Inbound
	if err := json.Unmarshal(raw, &in); err != nil {
		w.reply(s, fmt.Errorf("malformed frame: %w", apperr.ErrBadRequest))
		return
	}
	if in.Type == "heartbeat" {
		if s.p.Authenticated() {
			if err := w.tracker.Heartbeat(ctx, s.p.UserID, s.connID); err != nil {
				w.logger.Debugw("heartbeat not persisted", "user_id", s.p.UserID, "err", err)
			}
		}
		return
	}
	if !s.p.Authenticated() {
		w.reply(s, apperr.ErrUnauthenticated)
		return
	}
	w.tracker.Touch(s.p.UserID, s.connID)

	var err error
	switch in.Type {
	case "subscribe":
		err = w.hub.Subscribe(s.sub, in.Destination)
	case "unsubscribe":
		err = w.hub.Unsubscribe(s.sub, in.Destination)
	case "chat.send":
		_, err = w.messages.Append(ctx, s.p, in.ChatID, in.Content, time.Time{})
	case "chat.read":
		_, err = w.chats.MarkChatRead(ctx, s.p, in.ChatID)
	default:
		err = fmt.Errorf("unknown frame type %q: %w", in.Type, apperr.ErrBadRequest)
	}
	if err != nil {
		w.reply(s, err)
	}
}

func (w *WSHandler) reply(s *session, err error) {
	if apperr.Status(err) >= fiber.StatusInternalServerError {
		w.logger.Warnw("frame failed", "conn_id", s.connID, "user_id", s.p.UserID, "err", err)
	}
	b, _ := json.Marshal(errorFrame{Type: "error", Error: apperr.Message(err)})
	s.sub.Reply(b)
}
