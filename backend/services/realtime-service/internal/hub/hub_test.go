package hub

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fathima-sithara/inventory-realtime/backend/shared/apperr"
	"github.com/fathima-sithara/inventory-realtime/backend/shared/logger"
)

func newHub(opts Options, sinks ...Sink) *Hub {
	return New(opts, logger.Nop(), sinks...)
}

func next(t *testing.T, s *Subscriber) Envelope {
	t.Helper()
	select {
	case b := <-s.Send():
		var env Envelope
		require.NoError(t, json.Unmarshal(b, &env))
		return env
	case <-time.After(time.Second):
		t.Fatal("no frame")
		return Envelope{}
	}
}

func empty(t *testing.T, s *Subscriber) {
	t.Helper()
	select {
	case b := <-s.Send():
		t.Fatalf("unexpected frame %s", b)
	default:
	}
}

func TestPublishPreservesOrderPerTenant(t *testing.T) {
	h := newHub(Options{SendBuffer: 256})
	a := h.Register("c1", "u1", "acme")
	b := h.Register("c2", "u2", "acme")

	for i := 0; i < 100; i++ {
		require.NoError(t, h.Publish(context.Background(), "acme", KindEntityUpdate, "PRODUCT", map[string]int{"i": i}))
	}
	for _, s := range []*Subscriber{a, b} {
		for i := 1; i <= 100; i++ {
			env := next(t, s)
			assert.Equal(t, uint64(i), env.Seq)
			assert.Equal(t, "UPDATE", env.Action)
			assert.Equal(t, UpdatesChannel("acme"), env.Channel)
		}
	}
}

func TestConcurrentPublishersKeepOneOrder(t *testing.T) {
	h := newHub(Options{SendBuffer: 1024})
	a := h.Register("c1", "u1", "acme")
	b := h.Register("c2", "u2", "acme")

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_ = h.Publish(context.Background(), "acme", KindEntityCreate, "SUPPLIER", nil)
			}
		}()
	}
	wg.Wait()

	for i := 0; i < 400; i++ {
		ea, eb := next(t, a), next(t, b)
		assert.Equal(t, ea.Seq, eb.Seq)
	}
}

func TestTenantIsolation(t *testing.T) {
	h := newHub(Options{})
	acme := h.Register("c1", "u1", "acme")
	globex := h.Register("c2", "u9", "globex")

	require.NoError(t, h.PublishPresence(context.Background(), "acme", "u1", true, time.Now()))

	env := next(t, acme)
	assert.Equal(t, EntityPresence, env.EntityType)
	assert.Equal(t, "PRESENCE", env.Action)
	assert.Equal(t, PresenceChannel("acme"), env.Channel)
	data := env.Data.(map[string]any)
	assert.Equal(t, "u1", data["userId"])
	assert.Equal(t, true, data["online"])
	empty(t, globex)
}

func TestAnonymousReceivesNothing(t *testing.T) {
	h := newHub(Options{})
	anon := h.Register("c0", "", "")
	require.NoError(t, h.Publish(context.Background(), "acme", KindEntityDelete, "PRODUCT", map[string]string{"id": "p1"}))
	empty(t, anon)
	assert.ErrorIs(t, h.Subscribe(anon, UpdatesChannel("acme")), apperr.ErrNotFound)
}

func TestDropOldest(t *testing.T) {
	h := newHub(Options{SendBuffer: 2, Policy: DropOldest})
	s := h.Register("c1", "u1", "acme")
	for i := 0; i < 5; i++ {
		require.NoError(t, h.Publish(context.Background(), "acme", KindEntityCreate, "PRODUCT", i))
	}
	assert.Equal(t, uint64(4), next(t, s).Seq)
	assert.Equal(t, uint64(5), next(t, s).Seq)
	assert.Equal(t, uint64(3), s.Dropped())
	assert.Equal(t, 1, h.Connections())
}

func TestDisconnectOnOverflow(t *testing.T) {
	h := newHub(Options{SendBuffer: 1, Policy: Disconnect})
	slow := h.Register("c1", "u1", "acme")
	fast := h.Register("c2", "u2", "acme")

	require.NoError(t, h.Publish(context.Background(), "acme", KindEntityCreate, "PRODUCT", 1))
	next(t, fast)
	require.NoError(t, h.Publish(context.Background(), "acme", KindEntityCreate, "PRODUCT", 2))

	select {
	case <-slow.Done():
	case <-time.After(time.Second):
		t.Fatal("slow subscriber was not disconnected")
	}
	assert.Equal(t, uint64(2), next(t, fast).Seq)
	assert.Equal(t, 1, h.Connections())
}

func TestPublishToUsers(t *testing.T) {
	h := newHub(Options{})
	a1 := h.Register("c1", "u1", "acme")
	a2 := h.Register("c2", "u1", "acme")
	b := h.Register("c3", "u2", "acme")
	c := h.Register("c4", "u3", "acme")

	require.NoError(t, h.PublishToUsers(context.Background(), "acme", KindNewMessage, EntityChatMessage, "hi", []string{"u1", "u2"}))
	for _, s := range []*Subscriber{a1, a2, b} {
		env := next(t, s)
		assert.Equal(t, MessagesChannel, env.Channel)
		assert.Equal(t, "hi", env.Data)
	}
	empty(t, c)
}

func TestSubscribeRules(t *testing.T) {
	h := newHub(Options{})
	s := h.Register("c1", "u1", "acme")

	assert.ErrorIs(t, h.Subscribe(s, PresenceChannel("globex")), apperr.ErrNotFound)
	require.NoError(t, h.Unsubscribe(s, PresenceChannel("acme")))
	require.NoError(t, h.PublishPresence(context.Background(), "acme", "u2", true, time.Now()))
	empty(t, s)

	require.NoError(t, h.Subscribe(s, PresenceChannel("acme")))
	require.NoError(t, h.PublishPresence(context.Background(), "acme", "u2", false, time.Now()))
	assert.Equal(t, "PRESENCE", next(t, s).Action)
}

func TestPublishValidates(t *testing.T) {
	h := newHub(Options{})
	assert.ErrorIs(t, h.Publish(context.Background(), "", KindEntityCreate, "X", nil), apperr.ErrBadRequest)
	assert.ErrorIs(t, h.Publish(context.Background(), "acme", Kind("bogus"), "X", nil), apperr.ErrBadRequest)
}

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingSink) Name() string { return "recording" }

func (r *recordingSink) Emit(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingSink) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func TestSinksAndRelay(t *testing.T) {
	sink := &recordingSink{}
	h := newHub(Options{InstanceID: "i1"}, sink)
	var relayed []Relayed
	var mu sync.Mutex
	h.PublishToOtherInstances = func(_ context.Context, r Relayed) error {
		mu.Lock()
		defer mu.Unlock()
		relayed = append(relayed, r)
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	for i := 0; i < 3; i++ {
		require.NoError(t, h.Publish(ctx, "acme", KindEntityUpdate, "INVENTORY", i))
	}
	require.Eventually(t, func() bool { return sink.len() == 3 }, time.Second, 5*time.Millisecond)

	sink.mu.Lock()
	for i, ev := range sink.events {
		assert.Equal(t, uint64(i+1), ev.Envelope.Seq)
		assert.Equal(t, "acme", ev.Tenant)
	}
	sink.mu.Unlock()

	mu.Lock()
	require.Len(t, relayed, 3)
	assert.Equal(t, "i1", relayed[0].Origin)
	mu.Unlock()
}

func TestHandleRelayed(t *testing.T) {
	h := newHub(Options{InstanceID: "i1"})
	s := h.Register("c1", "u1", "acme")

	frame, _ := json.Marshal(Envelope{Channel: UpdatesChannel("acme"), Action: "CREATE", Seq: 7})
	h.HandleRelayed(Relayed{Origin: "i1", Tenant: "acme", Channel: UpdatesChannel("acme"), Frame: frame})
	empty(t, s)

	h.HandleRelayed(Relayed{Origin: "i2", Tenant: "acme", Channel: UpdatesChannel("acme"), Frame: frame})
	assert.Equal(t, uint64(7), next(t, s).Seq)
}

func TestEvictUserClosesEveryTab(t *testing.T) {
	h := newHub(Options{})
	tab1 := h.Register("c1", "u1", "acme")
	tab2 := h.Register("c2", "u1", "acme")
	other := h.Register("c3", "u2", "acme")

	assert.Equal(t, 2, h.EvictUser("u1"))
	<-tab1.Done()
	<-tab2.Done()
	assert.Equal(t, 1, h.Connections())

	require.NoError(t, h.Publish(context.Background(), "acme", KindEntityUpdate, "PRODUCT", nil))
	assert.Equal(t, uint64(1), next(t, other).Seq)
	empty(t, tab1)
	empty(t, tab2)
	assert.Zero(t, h.EvictUser("u1"))
}

func TestEvict(t *testing.T) {
	h := newHub(Options{})
	s := h.Register("c1", "u1", "acme")
	h.Evict("c1")
	<-s.Done()
	assert.Zero(t, h.Connections())
	h.Evict("c1")
}
