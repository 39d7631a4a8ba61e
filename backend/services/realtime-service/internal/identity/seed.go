package identity

import (
	"context"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fathima-sithara/inventory-realtime/backend/services/realtime-service/internal/repository"
)

// Seed is the on-disk format of storage.seed_file.
type Seed struct {
	Companies []repository.Company `yaml:"companies"`
	Users     []repository.User    `yaml:"users"`
}

func ParseSeed(b []byte) (*Seed, error) {
	var s Seed
	if err := yaml.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("seed: %w", err)
	}
	companies := make(map[string]bool, len(s.Companies))
	for _, c := range s.Companies {
		if c.ID == "" {
			return nil, fmt.Errorf("seed: company without id")
		}
		companies[c.ID] = true
	}
	for _, u := range s.Users {
		if u.ID == "" || u.Email == "" {
			return nil, fmt.Errorf("seed: user needs id and email")
		}
		if !companies[u.CompanyID] {
			return nil, fmt.Errorf("seed: user %s references unknown company %q", u.ID, u.CompanyID)
		}
		if !ValidRole(u.Role) {
			return nil, fmt.Errorf("seed: user %s has invalid role %q", u.ID, u.Role)
		}
	}
	return &s, nil
}

// LoadSeed upserts the companies and users in path into store.
func LoadSeed(ctx context.Context, path string, store repository.UserStore) (int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	s, err := ParseSeed(b)
	if err != nil {
		return 0, err
	}
	now := time.Now().UTC()
	for i := range s.Companies {
		c := s.Companies[i]
		c.CreatedAt = now
		if err := store.UpsertCompany(ctx, &c); err != nil {
			return 0, err
		}
	}
	for i := range s.Users {
		u := s.Users[i]
		u.CreatedAt = now
		if err := store.UpsertUser(ctx, &u); err != nil {
			return 0, err
		}
	}
	return len(s.Users), nil
}
