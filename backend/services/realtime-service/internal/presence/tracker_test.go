package presence

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fathima-sithara/inventory-realtime/backend/services/realtime-service/internal/identity"
	"github.com/fathima-sithara/inventory-realtime/backend/services/realtime-service/internal/repository"
	"github.com/fathima-sithara/inventory-realtime/backend/shared/logger"
)

type published struct {
	tenant, userID string
	online         bool
}

type fakePublisher struct {
	mu     sync.Mutex
	events []published
}

func (f *fakePublisher) PublishPresence(_ context.Context, tenant, userID string, online bool, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, published{tenant, userID, online})
	return nil
}

func (f *fakePublisher) snapshot() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]published(nil), f.events...)
}

type fakeEvictor struct {
	mu      sync.Mutex
	evicted []string
}

func (f *fakeEvictor) Evict(connID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.evicted = append(f.evicted, connID)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var ana = identity.Principal{UserID: "u1", CompanyID: "acme", Name: "Ana"}

func setup(t *testing.T) (*Tracker, *fakePublisher, *fakeEvictor, *clock, *repository.MemoryStore) {
	t.Helper()
	store := repository.NewMemoryStore()
	require.NoError(t, store.UpsertUser(context.Background(), &repository.User{ID: "u1", CompanyID: "acme", Email: "ana@acme.io"}))
	require.NoError(t, store.UpsertUser(context.Background(), &repository.User{ID: "u2", CompanyID: "acme", Email: "ben@acme.io"}))
	pub := &fakePublisher{}
	ev := &fakeEvictor{}
	clk := &clock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	tr := NewTracker(Options{HeartbeatTimeout: time.Minute, Now: clk.Now}, pub, store, nil, ev, logger.Nop())
	return tr, pub, ev, clk, store
}

func TestTwoTabsCloseOne(t *testing.T) {
	tr, pub, _, _, _ := setup(t)
	ctx := context.Background()

	require.NotNil(t, tr.Connect(ctx, ana, "tab1"))
	assert.Nil(t, tr.Connect(ctx, ana, "tab2"))
	assert.Equal(t, 2, tr.Connections("u1"))

	assert.Nil(t, tr.Disconnect(ctx, "u1", "tab1"))
	assert.True(t, tr.IsOnline("u1"))
	assert.Equal(t, []string{"u1"}, tr.OnlineUsers("acme"))

	off := tr.Disconnect(ctx, "u1", "tab2")
	require.NotNil(t, off)
	assert.False(t, off.Online)
	assert.False(t, tr.IsOnline("u1"))
	assert.Empty(t, tr.OnlineUsers("acme"))

	assert.Equal(t, []published{
		{"acme", "u1", true},
		{"acme", "u1", false},
	}, pub.snapshot())
}

func TestDisconnectUnknownIsNoop(t *testing.T) {
	tr, pub, _, _, _ := setup(t)
	ctx := context.Background()
	assert.Nil(t, tr.Disconnect(ctx, "u1", "nope"))
	tr.Connect(ctx, ana, "tab1")
	assert.Nil(t, tr.Disconnect(ctx, "u1", "nope"))
	assert.True(t, tr.IsOnline("u1"))
	assert.Len(t, pub.snapshot(), 1)
}

func TestHeartbeatUpdatesLastSeenWithoutBroadcast(t *testing.T) {
	tr, pub, _, clk, store := setup(t)
	ctx := context.Background()
	tr.Connect(ctx, ana, "tab1")
	clk.Advance(30 * time.Second)

	require.NoError(t, tr.Heartbeat(ctx, "u1", "tab1"))
	u, err := store.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, clk.Now(), u.LastSeen)
	assert.Len(t, pub.snapshot(), 1)
}

func TestLastSeen(t *testing.T) {
	tr, _, _, clk, _ := setup(t)
	ctx := context.Background()

	seen, err := tr.LastSeen(ctx, "u2")
	require.NoError(t, err)
	assert.True(t, seen.IsZero())

	tr.Connect(ctx, ana, "tab1")
	clk.Advance(time.Minute)
	tr.Disconnect(ctx, "u1", "tab1")
	seen, err = tr.LastSeen(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, clk.Now(), seen)

	_, err = tr.LastSeen(ctx, "ghost")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestReaperReclaimsSilentConnections(t *testing.T) {
	tr, pub, ev, clk, _ := setup(t)
	ctx := context.Background()
	tr.Connect(ctx, ana, "tab1")
	tr.Connect(ctx, ana, "tab2")

	clk.Advance(45 * time.Second)
	tr.Touch("u1", "tab2")
	clk.Advance(30 * time.Second)

	assert.Equal(t, 1, tr.Reap(ctx))
	assert.True(t, tr.IsOnline("u1"))
	assert.Equal(t, []string{"tab1"}, ev.evicted)

	clk.Advance(2 * time.Minute)
	assert.Equal(t, 1, tr.Reap(ctx))
	assert.False(t, tr.IsOnline("u1"))
	assert.Equal(t, []published{
		{"acme", "u1", true},
		{"acme", "u1", false},
	}, pub.snapshot())
}

func TestTransitionsAreSequenced(t *testing.T) {
	tr, _, _, _, _ := setup(t)
	ctx := context.Background()
	var seqs []uint64
	for i := 0; i < 3; i++ {
		on := tr.Connect(ctx, ana, "tab")
		off := tr.Disconnect(ctx, "u1", "tab")
		seqs = append(seqs, on.Seq, off.Seq)
	}
	assert.Equal(t, []uint64{1, 2, 3, 4, 5, 6}, seqs)
}

// No user is left online without a live connection after concurrent churn.
func TestConcurrentChurnLeavesNoPhantoms(t *testing.T) {
	tr, pub, _, _, _ := setup(t)
	ctx := context.Background()
	ben := identity.Principal{UserID: "u2", CompanyID: "acme"}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		for _, p := range []identity.Principal{ana, ben} {
			wg.Add(1)
			go func(p identity.Principal, conn string) {
				defer wg.Done()
				tr.Connect(ctx, p, conn)
				tr.Heartbeat(ctx, p.UserID, conn)
				tr.Disconnect(ctx, p.UserID, conn)
			}(p, fmt.Sprintf("%s-%d", p.UserID, i))
		}
	}
	wg.Wait()

	assert.Empty(t, tr.OnlineUsers("acme"))
	// every online event is matched by exactly one offline event, in order
	state := map[string]bool{}
	for _, e := range pub.snapshot() {
		assert.NotEqual(t, state[e.userID], e.online, "duplicate transition for %s", e.userID)
		state[e.userID] = e.online
	}
	assert.False(t, state["u1"])
	assert.False(t, state["u2"])
}

// cluster counts holders per user across instances, like the Redis mirror.
type cluster struct {
	mu      sync.Mutex
	holders map[string]map[string]bool
}

type instanceMirror struct {
	c    *cluster
	name string
}

func (c *cluster) on(name string) *instanceMirror { return &instanceMirror{c: c, name: name} }

func (m *instanceMirror) MarkOnline(_ context.Context, _, userID string, _ time.Time) (bool, error) {
	m.c.mu.Lock()
	defer m.c.mu.Unlock()
	if m.c.holders[userID] == nil {
		m.c.holders[userID] = map[string]bool{}
	}
	m.c.holders[userID][m.name] = true
	return len(m.c.holders[userID]) == 1, nil
}

func (m *instanceMirror) MarkOffline(_ context.Context, _, userID string, _ time.Time) (bool, error) {
	m.c.mu.Lock()
	defer m.c.mu.Unlock()
	delete(m.c.holders[userID], m.name)
	return len(m.c.holders[userID]) == 0, nil
}

func TestPresenceAcrossInstances(t *testing.T) {
	store := repository.NewMemoryStore()
	require.NoError(t, store.UpsertUser(context.Background(), &repository.User{ID: "u1", CompanyID: "acme", Email: "ana@acme.io"}))
	pub := &fakePublisher{}
	shared := &cluster{holders: map[string]map[string]bool{}}
	a := NewTracker(Options{}, pub, store, shared.on("a"), nil, logger.Nop())
	b := NewTracker(Options{}, pub, store, shared.on("b"), nil, logger.Nop())
	ctx := context.Background()

	require.NotNil(t, a.Connect(ctx, ana, "tab-a"))
	assert.Nil(t, b.Connect(ctx, ana, "tab-b"))

	// closing the tab on a leaves the user online through b
	assert.Nil(t, a.Disconnect(ctx, "u1", "tab-a"))
	assert.Equal(t, []published{{"acme", "u1", true}}, pub.snapshot())

	off := b.Disconnect(ctx, "u1", "tab-b")
	require.NotNil(t, off)
	assert.False(t, off.Online)
	assert.Equal(t, []published{
		{"acme", "u1", true},
		{"acme", "u1", false},
	}, pub.snapshot())
}

func TestDisconnectUserDropsEveryConnection(t *testing.T) {
	tr, pub, _, _, _ := setup(t)
	ctx := context.Background()
	tr.Connect(ctx, ana, "tab1")
	tr.Connect(ctx, ana, "tab2")

	assert.Equal(t, 2, tr.DisconnectUser(ctx, "u1"))
	assert.False(t, tr.IsOnline("u1"))
	assert.Empty(t, tr.OnlineUsers("acme"))
	assert.Nil(t, tr.Disconnect(ctx, "u1", "tab1"))
	assert.Zero(t, tr.DisconnectUser(ctx, "u1"))
	assert.Equal(t, []published{
		{"acme", "u1", true},
		{"acme", "u1", false},
	}, pub.snapshot())
}
