package identity

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fathima-sithara/inventory-realtime/backend/services/realtime-service/internal/repository"
	"github.com/fathima-sithara/inventory-realtime/backend/shared/apperr"
)

const seedYAML = `
companies:
  - id: acme
    name: Acme
  - id: globex
    name: Globex
users:
  - id: u1
    company: acme
    name: Ana
    email: ana@acme.io
    role: ADMIN
  - id: u2
    company: acme
    name: Ben
    email: ben@acme.io
    role: EMPLOYEE
  - id: u3
    company: globex
    name: Cy
    email: cy@globex.io
    role: MANAGER
`

func seeded(t *testing.T) (*Directory, *repository.MemoryStore) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "seed.yaml")
	require.NoError(t, os.WriteFile(path, []byte(seedYAML), 0o600))
	store := repository.NewMemoryStore()
	n, err := LoadSeed(context.Background(), path, store)
	require.NoError(t, err)
	require.Equal(t, 3, n)
	return NewDirectory(store), store
}

func TestResolveEmail(t *testing.T) {
	d, _ := seeded(t)
	p, err := d.ResolveEmail(context.Background(), "ben@acme.io")
	require.NoError(t, err)
	assert.Equal(t, Principal{UserID: "u2", CompanyID: "acme", Name: "Ben", Email: "ben@acme.io", Role: RoleEmployee}, p)
	assert.True(t, p.Authenticated())

	_, err = d.ResolveEmail(context.Background(), "nobody@acme.io")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestUserInTenantRejectsOtherCompany(t *testing.T) {
	d, _ := seeded(t)
	_, err := d.UserInTenant(context.Background(), "acme", "u3")
	assert.ErrorIs(t, err, apperr.ErrCrossTenant)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	u, err := d.UserInTenant(context.Background(), "acme", "u2")
	require.NoError(t, err)
	assert.Equal(t, "Ben", u.Name)
}

func TestColleaguesExcludesSelf(t *testing.T) {
	d, _ := seeded(t)
	users, err := d.Colleagues(context.Background(), Principal{UserID: "u1", CompanyID: "acme"})
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "u2", users[0].ID)
}

func TestParseSeedValidates(t *testing.T) {
	_, err := ParseSeed([]byte("companies: [{id: acme}]\nusers: [{id: u1, company: nope, email: a@b.c, role: ADMIN}]"))
	assert.Error(t, err)
	_, err = ParseSeed([]byte("companies: [{id: acme}]\nusers: [{id: u1, company: acme, email: a@b.c, role: OWNER}]"))
	assert.Error(t, err)
}
