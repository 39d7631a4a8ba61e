package auth

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fathima-sithara/inventory-realtime/backend/services/realtime-service/internal/identity"
	"github.com/fathima-sithara/inventory-realtime/backend/services/realtime-service/internal/repository"
	"github.com/fathima-sithara/inventory-realtime/backend/shared/jwt"
	"github.com/fathima-sithara/inventory-realtime/backend/shared/logger"
)

const secret = "test-secret"

func newAuth(t *testing.T, allowAnonymous bool) *Authenticator {
	t.Helper()
	store := repository.NewMemoryStore()
	require.NoError(t, store.UpsertUser(context.Background(), &repository.User{
		ID: "u1", CompanyID: "acme", Name: "Ana", Email: "ana@acme.io", Role: identity.RoleAdmin,
	}))
	a, err := New(secret, identity.NewDirectory(store), allowAnonymous, logger.Nop())
	require.NoError(t, err)
	return a
}

func token(t *testing.T, email string, ttl time.Duration) string {
	t.Helper()
	tok, err := jwt.NewSigner(secret).Sign(email, ttl)
	require.NoError(t, err)
	return tok
}

func TestParseBearer(t *testing.T) {
	tok, ok := ParseBearer("Bearer abc")
	assert.True(t, ok)
	assert.Equal(t, "abc", tok)

	for _, h := range []string{"", "bearer abc", "Basic abc", "Bearer ", "Bearerabc"} {
		_, ok := ParseBearer(h)
		assert.False(t, ok, h)
	}
}

func TestAuthenticate(t *testing.T) {
	a := newAuth(t, true)
	ctx := context.Background()

	p, ok := a.Authenticate(ctx, "Bearer "+token(t, "ana@acme.io", time.Hour))
	require.True(t, ok)
	assert.Equal(t, "u1", p.UserID)
	assert.Equal(t, "acme", p.CompanyID)

	none := gojwt.NewWithClaims(gojwt.SigningMethodNone, gojwt.MapClaims{"sub": "ana@acme.io", "exp": time.Now().Add(time.Hour).Unix()})
	unsigned, err := none.SignedString(gojwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	forged, err := jwt.NewSigner("other").Sign("ana@acme.io", time.Hour)
	require.NoError(t, err)

	for name, header := range map[string]string{
		"empty":         "",
		"wrong prefix":  "Token " + token(t, "ana@acme.io", time.Hour),
		"expired":       "Bearer " + token(t, "ana@acme.io", -time.Minute),
		"unknown user":  "Bearer " + token(t, "ghost@acme.io", time.Hour),
		"bad signature": "Bearer " + forged,
		"alg none":      "Bearer " + unsigned,
	} {
		p, ok := a.Authenticate(ctx, header)
		assert.False(t, ok, name)
		assert.False(t, p.Authenticated(), name)
	}
}

func TestRequire(t *testing.T) {
	a := newAuth(t, true)
	app := fiber.New()
	app.Get("/me", a.Require(), func(c *fiber.Ctx) error {
		return c.SendString(PrincipalFrom(c).UserID)
	})

	req := httptest.NewRequest("GET", "/me", nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)

	req = httptest.NewRequest("GET", "/me", nil)
	req.Header.Set("Authorization", "Bearer "+token(t, "ana@acme.io", time.Hour))
	resp, err = app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}

func TestUpgradeHonoursAllowAnonymous(t *testing.T) {
	for _, allow := range []bool{true, false} {
		a := newAuth(t, allow)
		app := fiber.New()
		app.Get("/ws", a.Upgrade(), func(c *fiber.Ctx) error {
			return c.SendString(PrincipalFrom(c).UserID)
		})

		resp, err := app.Test(httptest.NewRequest("GET", "/ws", nil))
		require.NoError(t, err)
		if allow {
			assert.Equal(t, fiber.StatusOK, resp.StatusCode)
		} else {
			assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
		}

		resp, err = app.Test(httptest.NewRequest("GET", "/ws?access_token="+token(t, "ana@acme.io", time.Hour), nil))
		require.NoError(t, err)
		assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	}
}
