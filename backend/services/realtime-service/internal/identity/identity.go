package identity

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fathima-sithara/inventory-realtime/backend/services/realtime-service/internal/repository"
	"github.com/fathima-sithara/inventory-realtime/backend/shared/apperr"
)

const (
	RoleAdmin    = "ADMIN"
	RoleManager  = "MANAGER"
	RoleEmployee = "EMPLOYEE"
)

func ValidRole(r string) bool {
	switch r {
	case RoleAdmin, RoleManager, RoleEmployee:
		return true
	}
	return false
}

// Principal is the identity bound to a connection or request.
type Principal struct {
	UserID    string `json:"userId"`
	CompanyID string `json:"companyId"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	Role      string `json:"role"`
}

func (p Principal) Authenticated() bool { return p.UserID != "" && p.CompanyID != "" }

func PrincipalOf(u *repository.User) Principal {
	return Principal{UserID: u.ID, CompanyID: u.CompanyID, Name: u.Name, Email: u.Email, Role: u.Role}
}

// Profile is the public view of a user.
type Profile struct {
	ID       string     `json:"id"`
	Name     string     `json:"name"`
	Email    string     `json:"email"`
	Role     string     `json:"role"`
	Online   bool       `json:"online"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
	Deleted  bool       `json:"deleted,omitempty"`
}

func ProfileOf(u *repository.User) Profile {
	p := Profile{ID: u.ID, Name: u.Name, Email: u.Email, Role: u.Role}
	if !u.LastSeen.IsZero() {
		ls := u.LastSeen
		p.LastSeen = &ls
	}
	return p
}

// DeletedProfile stands in for a counterpart whose account was removed.
func DeletedProfile(id string) Profile {
	return Profile{ID: id, Name: "Deleted user", Deleted: true}
}

// Directory resolves principals and enforces tenant scoping on user lookups.
type Directory struct {
	store repository.UserStore
}

func NewDirectory(store repository.UserStore) *Directory {
	return &Directory{store: store}
}

// ResolveEmail maps a token subject onto a principal.
func (d *Directory) ResolveEmail(ctx context.Context, email string) (Principal, error) {
	u, err := d.store.FindUserByEmail(ctx, strings.TrimSpace(email))
	if err != nil {
		return Principal{}, err
	}
	if u.CompanyID == "" {
		return Principal{}, fmt.Errorf("user %s has no company: %w", u.ID, apperr.ErrForbidden)
	}
	return PrincipalOf(u), nil
}

func (d *Directory) User(ctx context.Context, userID string) (*repository.User, error) {
	return d.store.GetUser(ctx, userID)
}

// UserInTenant returns userID only when it belongs to companyID.
func (d *Directory) UserInTenant(ctx context.Context, companyID, userID string) (*repository.User, error) {
	u, err := d.store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if u.CompanyID != companyID {
		return nil, fmt.Errorf("user %s: %w", userID, apperr.ErrCrossTenant)
	}
	return u, nil
}

// Colleagues lists the caller's company without the caller.
func (d *Directory) Colleagues(ctx context.Context, p Principal) ([]repository.User, error) {
	users, err := d.store.ListUsersByCompany(ctx, p.CompanyID)
	if err != nil {
		return nil, err
	}
	out := make([]repository.User, 0, len(users))
	for _, u := range users {
		if u.ID != p.UserID {
			out = append(out, u)
		}
	}
	return out, nil
}

func (d *Directory) TouchLastSeen(ctx context.Context, userID string, at time.Time) error {
	return d.store.TouchLastSeen(ctx, userID, at)
}
