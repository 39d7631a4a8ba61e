package auth

import (
	"context"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/fathima-sithara/inventory-realtime/backend/services/realtime-service/internal/identity"
	"github.com/fathima-sithara/inventory-realtime/backend/shared/apperr"
	"github.com/fathima-sithara/inventory-realtime/backend/shared/jwt"
	"github.com/fathima-sithara/inventory-realtime/backend/shared/middleware"
)

const bearerPrefix = "Bearer "

// ParseBearer extracts the token from an Authorization header value.
func ParseBearer(header string) (string, bool) {
	if !strings.HasPrefix(header, bearerPrefix) {
		return "", false
	}
	tok := strings.TrimSpace(header[len(bearerPrefix):])
	return tok, tok != ""
}

// PrincipalFrom returns the principal stored by Require or the upgrade
// middleware.
func PrincipalFrom(c *fiber.Ctx) identity.Principal {
	p, _ := c.Locals(middleware.LocalsPrincipal).(identity.Principal)
	return p
}

type Authenticator struct {
	verifier       *jwt.Verifier
	users          *identity.Directory
	allowAnonymous bool
	log            *zap.SugaredLogger
}

func New(secret string, users *identity.Directory, allowAnonymous bool, log *zap.SugaredLogger) (*Authenticator, error) {
	v, err := jwt.NewVerifier(secret)
	if err != nil {
		return nil, err
	}
	return &Authenticator{verifier: v, users: users, allowAnonymous: allowAnonymous, log: log}, nil
}

func (a *Authenticator) AllowAnonymous() bool { return a.allowAnonymous }

// Authenticate binds the caller behind header to a principal. It never
// fails: anything that does not verify yields an anonymous caller.
func (a *Authenticator) Authenticate(ctx context.Context, header string) (identity.Principal, bool) {
	if header == "" {
		return identity.Principal{}, false
	}
	p, err := a.resolve(ctx, header)
	if err != nil {
		a.log.Warnw("authentication failed, continuing anonymous", "err", err)
		return identity.Principal{}, false
	}
	return p, true
}

func (a *Authenticator) resolve(ctx context.Context, header string) (identity.Principal, error) {
	tok, ok := ParseBearer(header)
	if !ok {
		return identity.Principal{}, fmt.Errorf("malformed authorization header: %w", apperr.ErrUnauthenticated)
	}
	claims, err := a.verifier.VerifyToken(tok)
	if err != nil {
		return identity.Principal{}, fmt.Errorf("%v: %w", err, apperr.ErrUnauthenticated)
	}
	p, err := a.users.ResolveEmail(ctx, claims.Identity())
	if err != nil {
		return identity.Principal{}, fmt.Errorf("subject %s: %v: %w", claims.Identity(), err, apperr.ErrUnauthenticated)
	}
	return p, nil
}

// Require rejects requests without a valid bearer token with 401.
func (a *Authenticator) Require() fiber.Handler {
	return middleware.BearerAuth(func(ctx context.Context, header string) (any, error) {
		if header == "" {
			return nil, apperr.ErrUnauthenticated
		}
		p, err := a.resolve(ctx, header)
		if err != nil {
			a.log.Debugw("request rejected", "err", err)
			return nil, err
		}
		return p, nil
	})
}

// Upgrade authenticates a WebSocket handshake. Browsers cannot set headers
// on the upgrade request, so ?access_token= is accepted as well.
func (a *Authenticator) Upgrade() fiber.Handler {
	return func(c *fiber.Ctx) error {
		header := c.Get(fiber.HeaderAuthorization)
		if header == "" {
			if tok := c.Query("access_token"); tok != "" {
				header = bearerPrefix + tok
			}
		}
		p, ok := a.Authenticate(c.UserContext(), header)
		if !ok && !a.allowAnonymous {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": apperr.Message(apperr.ErrUnauthenticated)})
		}
		c.Locals(middleware.LocalsPrincipal, p)
		return c.Next()
	}
}
