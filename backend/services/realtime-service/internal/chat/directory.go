package chat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fathima-sithara/inventory-realtime/backend/services/realtime-service/internal/hub"
	"github.com/fathima-sithara/inventory-realtime/backend/services/realtime-service/internal/identity"
	"github.com/fathima-sithara/inventory-realtime/backend/services/realtime-service/internal/repository"
	"github.com/fathima-sithara/inventory-realtime/backend/shared/apperr"
	"github.com/fathima-sithara/inventory-realtime/backend/shared/utils"
)

type Decrypter interface {
	Decrypt(ciphertext string) string
}

type Presence interface {
	IsOnline(userID string) bool
	DisconnectUser(ctx context.Context, userID string) int
}

// Publisher broadcasts to tenants and owns the live connections.
type Publisher interface {
	Publish(ctx context.Context, tenant string, kind hub.Kind, entityType string, data any) error
	EvictUser(userID string) int
}

// MessageView is a message as callers see it: always plaintext.
type MessageView struct {
	ID        string    `json:"id"`
	ChatID    string    `json:"chatId"`
	SenderID   string    `json:"senderId"`
	SenderName string    `json:"senderName"`
	Content    string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Read      bool      `json:"read"`
	Deleted   bool      `json:"deleted,omitempty"`
}

func ToMessageView(m *repository.Message, dec Decrypter, senderName string) MessageView {
	v := MessageView{
		ID:         m.ID,
		ChatID:     m.ChatID,
		SenderID:   m.SenderID,
		SenderName: senderName,
		Timestamp:  m.Timestamp,
		Read:       m.Read,
		Deleted:    m.Deleted,
	}
	if !m.Deleted {
		v.Content = dec.Decrypt(m.Content)
	}
	return v
}

// View is a chat decorated for one of its participants.
type View struct {
	ID          string           `json:"id"`
	CompanyID   string           `json:"companyId"`
	Participant identity.Profile `json:"participant"`
	LastMessage *MessageView     `json:"lastMessage,omitempty"`
	HasUnread   bool             `json:"hasUnread"`
	CreatedAt   time.Time        `json:"createdAt"`
	UpdatedAt   time.Time        `json:"updatedAt"`
}

type Options struct {
	RecentLimit int
	Now         func() time.Time
	NewID       func() string
}

type Directory struct {
	store    repository.Store
	users    *identity.Directory
	codec    Decrypter
	presence Presence
	pub      Publisher
	locks    *pairLocks
	opts     Options
	log      *zap.SugaredLogger
}

func NewDirectory(opts Options, store repository.Store, users *identity.Directory, codec Decrypter, presence Presence, pub Publisher, log *zap.SugaredLogger) *Directory {
	if opts.RecentLimit <= 0 {
		opts.RecentLimit = 10
	}
	if opts.Now == nil {
		opts.Now = utils.NowUTC
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	return &Directory{
		store:    store,
		users:    users,
		codec:    codec,
		presence: presence,
		pub:      pub,
		locks:    newPairLocks(),
		opts:     opts,
		log:      log,
	}
}

// FindOrCreateChat returns the chat between p and otherID, creating it on
// first use. Creation is serialized per pair within the tenant.
func (d *Directory) FindOrCreateChat(ctx context.Context, p identity.Principal, otherID string) (*View, bool, error) {
	if !p.Authenticated() {
		return nil, false, apperr.ErrUnauthenticated
	}
	if otherID == "" || otherID == p.UserID {
		return nil, false, fmt.Errorf("participant must be another user: %w", apperr.ErrBadRequest)
	}
	if _, err := d.users.UserInTenant(ctx, p.CompanyID, otherID); err != nil {
		return nil, false, err
	}

	unlock := d.locks.lock(p.CompanyID + "/" + repository.PairKey(p.UserID, otherID))
	c, created, err := d.store.InsertChatIfAbsent(ctx, repository.NewChat(d.opts.NewID(), p.CompanyID, p.UserID, otherID, d.opts.Now()))
	unlock()
	if err != nil {
		return nil, false, fmt.Errorf("find or create chat: %w", err)
	}
	if created {
		d.log.Infow("chat created", "chat_id", c.ID, "company_id", p.CompanyID, "user_id", p.UserID, "other_id", otherID)
	}
	v, err := d.decorate(ctx, c, p.UserID)
	return v, created, err
}

// Authorize loads chatID and checks that p participates in it.
func (d *Directory) Authorize(ctx context.Context, p identity.Principal, chatID string) (*repository.Chat, error) {
	if !p.Authenticated() {
		return nil, apperr.ErrUnauthenticated
	}
	c, err := d.store.GetChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if c.CompanyID != p.CompanyID {
		d.log.Warnw("chat access denied", "reason", "cross_tenant", "chat_id", chatID, "user_id", p.UserID, "company_id", p.CompanyID)
		return nil, fmt.Errorf("chat %s: %w", chatID, apperr.ErrCrossTenant)
	}
	if !c.HasParticipant(p.UserID) {
		d.log.Warnw("chat access denied", "reason", "not_participant", "chat_id", chatID, "user_id", p.UserID)
		return nil, fmt.Errorf("chat %s: %w", chatID, apperr.ErrNotAParticipant)
	}
	return c, nil
}

func (d *Directory) GetChat(ctx context.Context, p identity.Principal, chatID string) (*View, error) {
	c, err := d.Authorize(ctx, p, chatID)
	if err != nil {
		return nil, err
	}
	return d.decorate(ctx, c, p.UserID)
}

// ListChats returns every chat of p, most recently active first.
func (d *Directory) ListChats(ctx context.Context, p identity.Principal) ([]View, error) {
	return d.list(ctx, p, 0)
}

// ListRecentChats is ListChats cut to the configured limit.
func (d *Directory) ListRecentChats(ctx context.Context, p identity.Principal) ([]View, error) {
	return d.list(ctx, p, d.opts.RecentLimit)
}

func (d *Directory) list(ctx context.Context, p identity.Principal, limit int) ([]View, error) {
	if !p.Authenticated() {
		return nil, apperr.ErrUnauthenticated
	}
	chats, err := d.store.ListChatsForUser(ctx, p.UserID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]View, 0, len(chats))
	for i := range chats {
		v, err := d.decorate(ctx, &chats[i], p.UserID)
		if err != nil {
			return nil, err
		}
		out = append(out, *v)
	}
	return out, nil
}

// MarkChatRead moves p's watermark to the latest message and marks the
// counterpart's messages read. Empty chats are left alone.
func (d *Directory) MarkChatRead(ctx context.Context, p identity.Principal, chatID string) (int64, error) {
	c, err := d.Authorize(ctx, p, chatID)
	if err != nil {
		return 0, err
	}
	last, err := d.store.LastMessage(ctx, c.ID)
	if errors.Is(err, repository.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return d.store.MarkRead(ctx, c.ID, p.UserID, last)
}

// ChatUsers lists the colleagues p can start a chat with.
func (d *Directory) ChatUsers(ctx context.Context, p identity.Principal) ([]identity.Profile, error) {
	if !p.Authenticated() {
		return nil, apperr.ErrUnauthenticated
	}
	users, err := d.users.Colleagues(ctx, p)
	if err != nil {
		return nil, err
	}
	out := make([]identity.Profile, 0, len(users))
	for i := range users {
		prof := identity.ProfileOf(&users[i])
		prof.Online = d.presence.IsOnline(users[i].ID)
		out = append(out, prof)
	}
	return out, nil
}

// SenderNames maps both members of c onto display names. A deleted member
// gets the deleted-user placeholder.
func (d *Directory) SenderNames(ctx context.Context, c *repository.Chat) (map[string]string, error) {
	names := make(map[string]string, 2)
	for _, id := range c.Members() {
		name, err := d.displayName(ctx, id)
		if err != nil {
			return nil, err
		}
		names[id] = name
	}
	return names, nil
}

func (d *Directory) displayName(ctx context.Context, userID string) (string, error) {
	u, err := d.users.User(ctx, userID)
	if errors.Is(err, repository.ErrNotFound) {
		return identity.DeletedProfile(userID).Name, nil
	}
	if err != nil {
		return "", err
	}
	return u.Name, nil
}

func (d *Directory) decorate(ctx context.Context, c *repository.Chat, viewer string) (*View, error) {
	v := &View{ID: c.ID, CompanyID: c.CompanyID, CreatedAt: c.CreatedAt, UpdatedAt: c.UpdatedAt}

	otherID := c.Other(viewer)
	other, err := d.users.User(ctx, otherID)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		v.Participant = identity.DeletedProfile(otherID)
	case err != nil:
		return nil, err
	default:
		v.Participant = identity.ProfileOf(other)
		v.Participant.Online = d.presence.IsOnline(otherID)
	}

	last, err := d.store.LastMessage(ctx, c.ID)
	switch {
	case errors.Is(err, repository.ErrNotFound):
	case err != nil:
		return nil, err
	default:
		name := v.Participant.Name
		if last.SenderID != otherID {
			if name, err = d.displayName(ctx, last.SenderID); err != nil {
				return nil, err
			}
		}
		mv := ToMessageView(last, d.codec, name)
		v.LastMessage = &mv
	}

	unread, err := d.store.CountUnread(ctx, []string{c.ID}, viewer)
	if err != nil {
		return nil, err
	}
	v.HasUnread = unread > 0
	return v, nil
}
