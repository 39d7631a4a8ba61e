package handlers

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fathima-sithara/inventory-realtime/backend/services/realtime-service/internal/chat"
	"github.com/fathima-sithara/inventory-realtime/backend/services/realtime-service/internal/crypto"
	"github.com/fathima-sithara/inventory-realtime/backend/services/realtime-service/internal/hub"
	"github.com/fathima-sithara/inventory-realtime/backend/services/realtime-service/internal/identity"
	"github.com/fathima-sithara/inventory-realtime/backend/services/realtime-service/internal/message"
	"github.com/fathima-sithara/inventory-realtime/backend/services/realtime-service/internal/presence"
	"github.com/fathima-sithara/inventory-realtime/backend/services/realtime-service/internal/repository"
	"github.com/fathima-sithara/inventory-realtime/backend/shared/logger"
)

var (
	ana = identity.Principal{UserID: "u1", CompanyID: "acme", Name: "Ana"}
	ben = identity.Principal{UserID: "u2", CompanyID: "acme", Name: "Ben"}
)

type rig struct {
	ws      *WSHandler
	hub     *hub.Hub
	tracker *presence.Tracker
	chats   *chat.Directory
}

func newRig(t *testing.T, ratePerSec float64) *rig {
	t.Helper()
	ctx := context.Background()
	log := logger.Nop()
	store := repository.NewMemoryStore()
	for _, p := range []identity.Principal{ana, ben} {
		require.NoError(t, store.UpsertUser(ctx, &repository.User{ID: p.UserID, CompanyID: p.CompanyID, Name: p.Name, Email: p.UserID + "@acme.io", Role: identity.RoleEmployee}))
	}
	codec, err := crypto.NewCodec("k", log)
	require.NoError(t, err)
	h := hub.New(hub.Options{}, log)
	tr := presence.NewTracker(presence.Options{}, h, store, nil, h, log)
	dir := chat.NewDirectory(chat.Options{}, store, identity.NewDirectory(store), codec, tr, h, log)
	msgs := message.NewLog(message.Options{}, dir, store, codec, h, log)
	ws := NewWSHandler(h, tr, msgs, dir, Options{RatePerSec: ratePerSec}, log)
	return &rig{ws: ws, hub: h, tracker: tr, chats: dir}
}

func (r *rig) connect(p identity.Principal) *session {
	s := r.ws.newSession(p)
	if p.Authenticated() {
		r.tracker.Connect(context.Background(), p, s.connID)
	}
	return s
}

func frames(s *session) []map[string]any {
	var out []map[string]any
	for {
		select {
		case b := <-s.sub.Send():
			var m map[string]any
			_ = json.Unmarshal(b, &m)
			out = append(out, m)
		default:
			return out
		}
	}
}

func send(t *testing.T, r *rig, s *session, in Inbound) {
	t.Helper()
	b, err := json.Marshal(in)
	require.NoError(t, err)
	r.ws.dispatch(context.Background(), s, b)
}

func TestChatSendReachesBothParticipants(t *testing.T) {
	r := newRig(t, 100)
	a, b := r.connect(ana), r.connect(ben)
	frames(a)
	frames(b)

	c, _, err := r.chats.FindOrCreateChat(context.Background(), ana, "u2")
	require.NoError(t, err)
	send(t, r, a, Inbound{Type: "chat.send", ChatID: c.ID, Content: "hello"})

	for _, s := range []*session{a, b} {
		got := frames(s)
		require.Len(t, got, 1)
		assert.Equal(t, hub.MessagesChannel, got[0]["channel"])
		assert.Equal(t, "hello", got[0]["data"].(map[string]any)["content"])
	}

	send(t, r, b, Inbound{Type: "chat.read", ChatID: c.ID})
	assert.Empty(t, frames(b))
}

func TestAnonymousMayOnlyHeartbeat(t *testing.T) {
	r := newRig(t, 100)
	anon := r.connect(identity.Principal{})

	send(t, r, anon, Inbound{Type: "heartbeat"})
	assert.Empty(t, frames(anon))

	send(t, r, anon, Inbound{Type: "subscribe", Destination: hub.UpdatesChannel("acme")})
	got := frames(anon)
	require.Len(t, got, 1)
	assert.Equal(t, "error", got[0]["type"])
	assert.Equal(t, "unauthenticated", got[0]["error"])
}

func TestRejectedFramesGetErrorReplies(t *testing.T) {
	r := newRig(t, 100)
	a := r.connect(ana)
	frames(a)

	r.ws.dispatch(context.Background(), a, []byte("{"))
	send(t, r, a, Inbound{Type: "subscribe", Destination: hub.PresenceChannel("globex")})
	send(t, r, a, Inbound{Type: "chat.send", ChatID: "missing", Content: "x"})
	send(t, r, a, Inbound{Type: "dance"})

	got := frames(a)
	require.Len(t, got, 4)
	assert.Contains(t, got[0]["error"], "malformed frame")
	assert.Equal(t, "not found", got[1]["error"])
	assert.Equal(t, "not found", got[2]["error"])
	assert.Contains(t, got[3]["error"], "unknown frame type")
	assert.Equal(t, 1, r.hub.Connections())
}

func TestInboundRateLimit(t *testing.T) {
	r := newRig(t, 2)
	a := r.connect(ana)
	frames(a)
	for i := 0; i < 3; i++ {
		send(t, r, a, Inbound{Type: "heartbeat"})
	}
	got := frames(a)
	require.Len(t, got, 1)
	assert.Equal(t, "rate limited", got[0]["error"])
}

func TestHeartbeatKeepsConnectionAlive(t *testing.T) {
	r := newRig(t, 100)
	a := r.connect(ana)
	send(t, r, a, Inbound{Type: "heartbeat"})
	assert.True(t, r.tracker.IsOnline("u1"))
	assert.Equal(t, 0, r.tracker.Reap(context.Background()))
}
