package chat

import (
	"context"
	"fmt"

	"github.com/fathima-sithara/inventory-realtime/backend/services/realtime-service/internal/hub"
	"github.com/fathima-sithara/inventory-realtime/backend/services/realtime-service/internal/identity"
	"github.com/fathima-sithara/inventory-realtime/backend/services/realtime-service/internal/repository"
	"github.com/fathima-sithara/inventory-realtime/backend/shared/apperr"
)

type DeletionReport struct {
	UserID             string `json:"userId"`
	MessagesTombstoned int64  `json:"messagesTombstoned"`
	ChatsLeft          int64  `json:"chatsLeft"`
}

// DeleteUser removes userID from the tenant. Authored messages are
// tombstoned rather than deleted so the counterpart keeps a consistent
// history; then participant rows and the user go, all in one transaction.
// After commit the user's sockets are closed and their presence cleared.
func (d *Directory) DeleteUser(ctx context.Context, actor identity.Principal, userID string) (*DeletionReport, error) {
	if !actor.Authenticated() {
		return nil, apperr.ErrUnauthenticated
	}
	if actor.Role != identity.RoleAdmin {
		return nil, fmt.Errorf("delete user: %w", apperr.ErrForbidden)
	}
	if userID == actor.UserID {
		return nil, fmt.Errorf("cannot delete yourself: %w", apperr.ErrBadRequest)
	}
	if _, err := d.users.UserInTenant(ctx, actor.CompanyID, userID); err != nil {
		return nil, err
	}

	rep := &DeletionReport{UserID: userID}
	err := d.store.WithTransaction(ctx, func(ctx context.Context, tx repository.Tx) error {
		n, err := tx.TombstoneMessagesBy(ctx, userID)
		if err != nil {
			return fmt.Errorf("tombstone messages: %w", err)
		}
		rep.MessagesTombstoned = n
		if rep.ChatsLeft, err = tx.RemoveParticipant(ctx, userID); err != nil {
			return fmt.Errorf("remove participant: %w", err)
		}
		return tx.DeleteUser(ctx, userID)
	})
	if err != nil {
		return nil, err
	}

	closed := d.pub.EvictUser(userID)
	d.presence.DisconnectUser(ctx, userID)
	d.log.Infow("user deleted", "user_id", userID, "company_id", actor.CompanyID, "by", actor.UserID,
		"messages_tombstoned", rep.MessagesTombstoned, "chats_left", rep.ChatsLeft, "connections_closed", closed)
	if err := d.pub.Publish(ctx, actor.CompanyID, hub.KindEntityDelete, hub.EntityUser, map[string]string{"id": userID}); err != nil {
		d.log.Warnw("user delete broadcast failed", "user_id", userID, "err", err)
	}
	return rep, nil
}
