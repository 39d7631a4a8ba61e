package api

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"

	"github.com/fathima-sithara/inventory-realtime/backend/services/realtime-service/internal/auth"
	"github.com/fathima-sithara/inventory-realtime/backend/services/realtime-service/internal/chat"
	"github.com/fathima-sithara/inventory-realtime/backend/services/realtime-service/internal/handlers"
	"github.com/fathima-sithara/inventory-realtime/backend/services/realtime-service/internal/identity"
	"github.com/fathima-sithara/inventory-realtime/backend/services/realtime-service/internal/message"
	"github.com/fathima-sithara/inventory-realtime/backend/services/realtime-service/internal/presence"
	"github.com/fathima-sithara/inventory-realtime/backend/shared/apperr"
	"github.com/fathima-sithara/inventory-realtime/backend/shared/metrics"
	"github.com/fathima-sithara/inventory-realtime/backend/shared/middleware"
)

type Deps struct {
	Auth     *auth.Authenticator
	Users    *identity.Directory
	Chats    *chat.Directory
	Messages *message.Log
	Presence *presence.Tracker
	WS       *handlers.WSHandler
	// Limiter is nil when Redis is not configured.
	Limiter *middleware.RateLimiter
	Log     *zap.SugaredLogger
}

type Server struct {
	Deps
}

func NewServer(d Deps) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:      "realtime-service",
		ErrorHandler: errorHandler(d.Log),
	})
	app.Use(recover.New())
	app.Use(logger.New())
	s := &Server{Deps: d}

	app.Get("/healthz", func(c *fiber.Ctx) error { return c.JSON(fiber.Map{"status": "ok"}) })
	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))

	app.Get("/ws", handlers.RequireUpgrade, d.Auth.Upgrade(), d.WS.Handler())

	api := app.Group("/api", d.Auth.Require())

	chats := api.Group("/chats")
	chats.Get("/", s.listChats)
	chats.Get("/recent", s.listRecentChats)
	chats.Get("/users", s.chatUsers)
	chats.Get("/unread-count", s.unreadCount)
	chats.Post("/", s.findOrCreateChat)
	chats.Get("/:id", s.getChat)
	chats.Get("/:id/messages", s.listMessages)
	chats.Post("/:id/messages", s.sendMessage)
	chats.Put("/:id/read", s.markRead)

	pres := api.Group("/presence")
	pres.Get("/online", s.onlineUsers)
	pres.Get("/user/:id", s.userPresence)
	heartbeat := []fiber.Handler{}
	if d.Limiter != nil {
		heartbeat = append(heartbeat, d.Limiter.MiddlewareByKey(func(c *fiber.Ctx) string {
			return "heartbeat:" + auth.PrincipalFrom(c).UserID
		}))
	}
	pres.Post("/heartbeat", append(heartbeat, s.heartbeat)...)

	api.Delete("/users/:id", s.deleteUser)

	return app
}

func errorHandler(log *zap.SugaredLogger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		var fe *fiber.Error
		if errors.As(err, &fe) {
			return c.Status(fe.Code).JSON(fiber.Map{"error": fe.Message})
		}
		code := apperr.Status(err)
		if code >= fiber.StatusInternalServerError {
			log.Errorw("request failed", "method", c.Method(), "path", c.Path(), "err", err)
		} else {
			log.Debugw("request rejected", "method", c.Method(), "path", c.Path(), "status", code, "err", err)
		}
		return c.Status(code).JSON(fiber.Map{"error": apperr.Message(err)})
	}
}

func (s *Server) listChats(c *fiber.Ctx) error {
	out, err := s.Chats.ListChats(c.UserContext(), auth.PrincipalFrom(c))
	if err != nil {
		return err
	}
	return c.JSON(out)
}

func (s *Server) listRecentChats(c *fiber.Ctx) error {
	out, err := s.Chats.ListRecentChats(c.UserContext(), auth.PrincipalFrom(c))
	if err != nil {
		return err
	}
	return c.JSON(out)
}

func (s *Server) chatUsers(c *fiber.Ctx) error {
	out, err := s.Chats.ChatUsers(c.UserContext(), auth.PrincipalFrom(c))
	if err != nil {
		return err
	}
	return c.JSON(out)
}

func (s *Server) unreadCount(c *fiber.Ctx) error {
	n, err := s.Messages.CountUnread(c.UserContext(), auth.PrincipalFrom(c))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"count": n})
}

type createChatRequest struct {
	ParticipantID string `json:"participantId"`
}

func (s *Server) findOrCreateChat(c *fiber.Ctx) error {
	var req createChatRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid body")
	}
	v, created, err := s.Chats.FindOrCreateChat(c.UserContext(), auth.PrincipalFrom(c), req.ParticipantID)
	if err != nil {
		return err
	}
	if created {
		c.Status(fiber.StatusCreated)
	}
	return c.JSON(v)
}

func (s *Server) getChat(c *fiber.Ctx) error {
	v, err := s.Chats.GetChat(c.UserContext(), auth.PrincipalFrom(c), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(v)
}

func (s *Server) listMessages(c *fiber.Ctx) error {
	out, err := s.Messages.ListMessages(c.UserContext(), auth.PrincipalFrom(c), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(out)
}

type sendMessageRequest struct {
	Content string `json:"content"`
}

func (s *Server) sendMessage(c *fiber.Ctx) error {
	var req sendMessageRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid body")
	}
	m, err := s.Messages.Append(c.UserContext(), auth.PrincipalFrom(c), c.Params("id"), req.Content, time.Time{})
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(m)
}

func (s *Server) markRead(c *fiber.Ctx) error {
	n, err := s.Chats.MarkChatRead(c.UserContext(), auth.PrincipalFrom(c), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"marked": n})
}

func (s *Server) onlineUsers(c *fiber.Ctx) error {
	p := auth.PrincipalFrom(c)
	return c.JSON(fiber.Map{"userIds": s.Presence.OnlineUsers(p.CompanyID)})
}

func (s *Server) userPresence(c *fiber.Ctx) error {
	p := auth.PrincipalFrom(c)
	u, err := s.Users.UserInTenant(c.UserContext(), p.CompanyID, c.Params("id"))
	if err != nil {
		return err
	}
	resp := fiber.Map{"userId": u.ID, "online": s.Presence.IsOnline(u.ID)}
	seen, err := s.Presence.LastSeen(c.UserContext(), u.ID)
	if err != nil {
		return err
	}
	if !seen.IsZero() {
		resp["lastSeen"] = seen
	}
	return c.JSON(resp)
}

func (s *Server) heartbeat(c *fiber.Ctx) error {
	p := auth.PrincipalFrom(c)
	if err := s.Presence.Heartbeat(c.UserContext(), p.UserID, ""); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) deleteUser(c *fiber.Ctx) error {
	rep, err := s.Chats.DeleteUser(c.UserContext(), auth.PrincipalFrom(c), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(rep)
}
