package middleware

import (
	"context"

	"github.com/gofiber/fiber/v2"

	"github.com/fathima-sithara/inventory-realtime/backend/shared/apperr"
)

// LocalsPrincipal is the c.Locals key holding the authenticated principal.
const LocalsPrincipal = "principal"

// Resolver turns the raw Authorization header into a principal.
type Resolver func(ctx context.Context, header string) (any, error)

func BearerAuth(resolve Resolver) fiber.Handler {
	return func(c *fiber.Ctx) error {
		p, err := resolve(c.UserContext(), c.Get(fiber.HeaderAuthorization))
		if err != nil {
			return c.Status(apperr.Status(err)).JSON(fiber.Map{"error": apperr.Message(err)})
		}
		c.Locals(LocalsPrincipal, p)
		return c.Next()
	}
}
