package repository

import (
	"context"
	"time"

	"github.com/fathima-sithara/inventory-realtime/backend/shared/apperr"
)

var ErrNotFound = apperr.ErrNotFound

type UserStore interface {
	UpsertCompany(ctx context.Context, c *Company) error
	GetCompany(ctx context.Context, id string) (*Company, error)
	UpsertUser(ctx context.Context, u *User) error
	GetUser(ctx context.Context, id string) (*User, error)
	FindUserByEmail(ctx context.Context, email string) (*User, error)
	ListUsersByCompany(ctx context.Context, companyID string) ([]User, error)
	// TouchLastSeen never moves last_seen backwards.
	TouchLastSeen(ctx context.Context, userID string, at time.Time) error
}

type ChatStore interface {
	// InsertChatIfAbsent stores c unless a chat for the same company and pair
	// exists; either way the stored chat is returned.
	InsertChatIfAbsent(ctx context.Context, c *Chat) (*Chat, bool, error)
	GetChat(ctx context.Context, id string) (*Chat, error)
	// ListChatsForUser orders by updated_at descending. limit <= 0 means all.
	ListChatsForUser(ctx context.Context, userID string, limit int) ([]Chat, error)

	// AppendMessage assigns m.Seq and bumps the chat's updated_at.
	AppendMessage(ctx context.Context, m *Message) (*Message, error)
	ListMessages(ctx context.Context, chatID string) ([]Message, error)
	LastMessage(ctx context.Context, chatID string) (*Message, error)
	// CountUnread counts unread messages in chatIDs not sent by readerID.
	CountUnread(ctx context.Context, chatIDs []string, readerID string) (int64, error)
	// MarkRead advances readerID's watermark to upTo and flips read on the
	// other participant's messages up to upTo.Seq.
	MarkRead(ctx context.Context, chatID, readerID string, upTo *Message) (int64, error)
}

// Tx is the set of writes allowed inside WithTransaction.
type Tx interface {
	TombstoneMessagesBy(ctx context.Context, userID string) (int64, error)
	RemoveParticipant(ctx context.Context, userID string) (int64, error)
	DeleteUser(ctx context.Context, userID string) error
}

type Transactor interface {
	// WithTransaction runs fn atomically. fn must only write through tx.
	WithTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Store is everything the service persists.
type Store interface {
	UserStore
	ChatStore
	Transactor
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*MongoStore)(nil)
)
