package message

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fathima-sithara/inventory-realtime/backend/services/realtime-service/internal/chat"
	"github.com/fathima-sithara/inventory-realtime/backend/services/realtime-service/internal/hub"
	"github.com/fathima-sithara/inventory-realtime/backend/services/realtime-service/internal/identity"
	"github.com/fathima-sithara/inventory-realtime/backend/services/realtime-service/internal/repository"
	"github.com/fathima-sithara/inventory-realtime/backend/shared/apperr"
	"github.com/fathima-sithara/inventory-realtime/backend/shared/utils"
)

type Codec interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) string
}

type Publisher interface {
	PublishToUsers(ctx context.Context, tenant string, kind hub.Kind, entityType string, data any, userIDs []string) error
}

type Options struct {
	MaxBytes int
	Now      func() time.Time
	NewID    func() string
}

// Log is the append-only message store of chats.
type Log struct {
	chats *chat.Directory
	store repository.ChatStore
	codec Codec
	pub   Publisher
	opts  Options
	log   *zap.SugaredLogger
}

func NewLog(opts Options, chats *chat.Directory, store repository.ChatStore, codec Codec, pub Publisher, log *zap.SugaredLogger) *Log {
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = 4096
	}
	if opts.Now == nil {
		opts.Now = utils.NowUTC
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	return &Log{chats: chats, store: store, codec: codec, pub: pub, opts: opts, log: log}
}

// Append stores content encrypted and pushes it to both participants.
// A zero at means now.
func (l *Log) Append(ctx context.Context, p identity.Principal, chatID, content string, at time.Time) (*chat.MessageView, error) {
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("message content is empty: %w", apperr.ErrBadRequest)
	}
	if len(content) > l.opts.MaxBytes {
		return nil, fmt.Errorf("message exceeds %d bytes: %w", l.opts.MaxBytes, apperr.ErrBadRequest)
	}
	c, err := l.chats.Authorize(ctx, p, chatID)
	if err != nil {
		return nil, err
	}
	if at.IsZero() {
		at = l.opts.Now()
	}
	ciphertext, err := l.codec.Encrypt(content)
	if err != nil {
		return nil, err
	}
	stored, err := l.store.AppendMessage(ctx, &repository.Message{
		ID:        l.opts.NewID(),
		ChatID:    c.ID,
		SenderID:  p.UserID,
		Content:   ciphertext,
		Timestamp: at,
	})
	if err != nil {
		return nil, fmt.Errorf("append message: %w", err)
	}

	v := chat.MessageView{
		ID:         stored.ID,
		ChatID:     stored.ChatID,
		SenderID:   stored.SenderID,
		SenderName: p.Name,
		Content:    content,
		Timestamp:  stored.Timestamp,
		Read:       stored.Read,
	}
	if err := l.pub.PublishToUsers(ctx, c.CompanyID, hub.KindNewMessage, hub.EntityChatMessage, v, c.ParticipantIDs); err != nil {
		l.log.Warnw("new message broadcast failed", "chat_id", c.ID, "err", err)
	}
	return &v, nil
}

// ListMessages returns the chat in append order, decrypted.
func (l *Log) ListMessages(ctx context.Context, p identity.Principal, chatID string) ([]chat.MessageView, error) {
	c, err := l.chats.Authorize(ctx, p, chatID)
	if err != nil {
		return nil, err
	}
	msgs, err := l.store.ListMessages(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	names, err := l.chats.SenderNames(ctx, c)
	if err != nil {
		return nil, err
	}
	out := make([]chat.MessageView, 0, len(msgs))
	for i := range msgs {
		out = append(out, chat.ToMessageView(&msgs[i], l.codec, names[msgs[i].SenderID]))
	}
	return out, nil
}

// CountUnread counts messages from others that p has not read, across all
// of p's chats.
func (l *Log) CountUnread(ctx context.Context, p identity.Principal) (int64, error) {
	if !p.Authenticated() {
		return 0, apperr.ErrUnauthenticated
	}
	chats, err := l.store.ListChatsForUser(ctx, p.UserID, 0)
	if err != nil {
		return 0, err
	}
	ids := make([]string, 0, len(chats))
	for _, c := range chats {
		ids = append(ids, c.ID)
	}
	return l.store.CountUnread(ctx, ids, p.UserID)
}
