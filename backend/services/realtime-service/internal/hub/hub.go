package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fathima-sithara/inventory-realtime/backend/services/realtime-service/internal/metric"
	"github.com/fathima-sithara/inventory-realtime/backend/shared/apperr"
	"github.com/fathima-sithara/inventory-realtime/backend/shared/utils"
)

// Sink receives every published event after local fanout.
type Sink interface {
	Name() string
	Emit(ctx context.Context, ev Event) error
}

type Options struct {
	SendBuffer int
	Policy     OverflowPolicy
	InstanceID string
	// OutboundBuffer bounds events waiting for the relay and sinks.
	OutboundBuffer int
	Now            func() time.Time
}

type tenantTopic struct {
	mu  sync.Mutex
	seq uint64
}

// Hub fans events out to the live connections of a tenant. Publishing never
// blocks on a subscriber; each one has a bounded queue.
type Hub struct {
	mu       sync.RWMutex
	byTenant map[string]map[*Subscriber]struct{}
	byUser   map[string]map[*Subscriber]struct{}
	byConn   map[string]*Subscriber
	topics   map[string]*tenantTopic

	opts     Options
	log      *zap.SugaredLogger
	sinks    []Sink
	outbound chan Event

	// publish function for cross-instance broadcasting (optional)
	PublishToOtherInstances func(ctx context.Context, r Relayed) error
}

func New(opts Options, log *zap.SugaredLogger, sinks ...Sink) *Hub {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 256
	}
	if !opts.Policy.Valid() {
		opts.Policy = DropOldest
	}
	if opts.OutboundBuffer <= 0 {
		opts.OutboundBuffer = 1024
	}
	if opts.Now == nil {
		opts.Now = utils.NowUTC
	}
	return &Hub{
		byTenant: make(map[string]map[*Subscriber]struct{}),
		byUser:   make(map[string]map[*Subscriber]struct{}),
		byConn:   make(map[string]*Subscriber),
		topics:   make(map[string]*tenantTopic),
		opts:     opts,
		log:      log,
		sinks:    sinks,
		outbound: make(chan Event, opts.OutboundBuffer),
	}
}

// Register adds a connection. An empty tenant registers an unauthenticated
// connection that receives replies only.
func (h *Hub) Register(connID, userID, tenant string) *Subscriber {
	s := newSubscriber(connID, userID, tenant, h.opts.SendBuffer, h.opts.Policy)
	if tenant != "" {
		for _, ch := range TenantChannels(tenant) {
			s.setChannel(ch, true)
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.byConn[connID] = s
	if tenant == "" {
		return s
	}
	if _, ok := h.byTenant[tenant]; !ok {
		h.byTenant[tenant] = make(map[*Subscriber]struct{})
	}
	h.byTenant[tenant][s] = struct{}{}
	if _, ok := h.byUser[userID]; !ok {
		h.byUser[userID] = make(map[*Subscriber]struct{})
	}
	h.byUser[userID][s] = struct{}{}
	return s
}

// Unregister removes and closes s.
func (h *Hub) Unregister(s *Subscriber) {
	h.mu.Lock()
	if cur, ok := h.byConn[s.ConnID]; ok && cur == s {
		delete(h.byConn, s.ConnID)
	}
	if set, ok := h.byTenant[s.Tenant]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(h.byTenant, s.Tenant)
		}
	}
	if set, ok := h.byUser[s.UserID]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(h.byUser, s.UserID)
		}
	}
	h.mu.Unlock()
	s.Close()
}

// Evict closes the connection with connID, if any.
func (h *Hub) Evict(connID string) {
	h.mu.RLock()
	s, ok := h.byConn[connID]
	h.mu.RUnlock()
	if ok {
		h.Unregister(s)
	}
}

// EvictUser closes every connection of userID and returns how many there
// were.
func (h *Hub) EvictUser(userID string) int {
	if userID == "" {
		return 0
	}
	h.mu.RLock()
	subs := make([]*Subscriber, 0, len(h.byUser[userID]))
	for s := range h.byUser[userID] {
		subs = append(subs, s)
	}
	h.mu.RUnlock()
	for _, s := range subs {
		h.Unregister(s)
	}
	return len(subs)
}

// Subscribe binds s to channel. Only the subscriber's own tenant channels
// exist from its point of view.
func (h *Hub) Subscribe(s *Subscriber, channel string) error {
	if !h.allowed(s, channel) {
		return fmt.Errorf("channel %s: %w", channel, apperr.ErrNotFound)
	}
	s.setChannel(channel, true)
	return nil
}

func (h *Hub) Unsubscribe(s *Subscriber, channel string) error {
	if !h.allowed(s, channel) {
		return fmt.Errorf("channel %s: %w", channel, apperr.ErrNotFound)
	}
	s.setChannel(channel, false)
	return nil
}

func (h *Hub) allowed(s *Subscriber, channel string) bool {
	if s.Tenant == "" {
		return false
	}
	for _, ch := range TenantChannels(s.Tenant) {
		if ch == channel {
			return true
		}
	}
	return false
}

// Connections returns the number of registered connections.
func (h *Hub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byConn)
}

// Publish sends data to every subscriber of tenant's channel for kind.
func (h *Hub) Publish(ctx context.Context, tenant string, kind Kind, entityType string, data any) error {
	return h.publish(ctx, tenant, kind, entityType, data, nil)
}

// PublishToUsers restricts delivery to the connections of userIDs.
func (h *Hub) PublishToUsers(ctx context.Context, tenant string, kind Kind, entityType string, data any, userIDs []string) error {
	if len(userIDs) == 0 {
		return nil
	}
	return h.publish(ctx, tenant, kind, entityType, data, userIDs)
}

// PublishPresence publishes a presence-change for userID.
func (h *Hub) PublishPresence(ctx context.Context, tenant, userID string, online bool, at time.Time) error {
	return h.Publish(ctx, tenant, KindPresence, EntityPresence, PresenceData{
		UserID:    userID,
		Online:    online,
		Timestamp: utils.ISO(at),
	})
}

func (h *Hub) publish(_ context.Context, tenant string, kind Kind, entityType string, data any, recipients []string) error {
	if tenant == "" {
		return fmt.Errorf("publish without tenant: %w", apperr.ErrBadRequest)
	}
	if !kind.Valid() {
		return fmt.Errorf("kind %q: %w", kind, apperr.ErrBadRequest)
	}
	env := Envelope{
		Channel:    kind.Channel(tenant),
		EntityType: entityType,
		Action:     kind.Action(),
		Data:       data,
		Timestamp:  utils.ISO(h.opts.Now()),
	}

	// the tenant lock spans sequencing, local fanout and the hand-off to the
	// outbound queue so every consumer sees one order per tenant
	t := h.topic(tenant)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.seq++
	env.Seq = t.seq
	frame, err := json.Marshal(env)
	if err != nil {
		t.seq--
		return fmt.Errorf("encode %s event: %w", kind, err)
	}
	h.deliver(tenant, env.Channel, frame, recipients)
	metric.PublishedEvents.WithLabelValues(string(kind)).Inc()

	h.handOff(Event{Tenant: tenant, Kind: kind, Recipients: recipients, Envelope: env, Frame: frame})
	return nil
}

// HandleRelayed delivers a frame published by another instance.
func (h *Hub) HandleRelayed(r Relayed) {
	if r.Origin == h.opts.InstanceID || r.Tenant == "" {
		return
	}
	t := h.topic(r.Tenant)
	t.mu.Lock()
	defer t.mu.Unlock()
	h.deliver(r.Tenant, r.Channel, r.Frame, r.Recipients)
}

func (h *Hub) topic(tenant string) *tenantTopic {
	h.mu.RLock()
	t, ok := h.topics[tenant]
	h.mu.RUnlock()
	if ok {
		return t
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if t, ok = h.topics[tenant]; !ok {
		t = &tenantTopic{}
		h.topics[tenant] = t
	}
	return t
}

// deliver must be called with the tenant lock held.
func (h *Hub) deliver(tenant, channel string, frame []byte, recipients []string) {
	h.mu.RLock()
	var targets []*Subscriber
	if recipients == nil {
		for s := range h.byTenant[tenant] {
			if s.Subscribed(channel) {
				targets = append(targets, s)
			}
		}
	} else {
		for _, uid := range recipients {
			for s := range h.byUser[uid] {
				if s.Tenant == tenant && s.Subscribed(channel) {
					targets = append(targets, s)
				}
			}
		}
	}
	h.mu.RUnlock()

	for _, s := range targets {
		if !s.enqueue(frame) {
			h.log.Warnw("disconnecting slow subscriber", "conn_id", s.ConnID, "user_id", s.UserID, "company_id", tenant)
			h.Unregister(s)
		}
	}
}

func (h *Hub) handOff(ev Event) {
	if h.PublishToOtherInstances == nil && len(h.sinks) == 0 {
		return
	}
	select {
	case h.outbound <- ev:
	default:
		metric.SinkErrors.WithLabelValues("outbound_queue").Inc()
		h.log.Warnw("outbound queue full, event not relayed", "company_id", ev.Tenant, "kind", ev.Kind)
	}
}

// Run drains the outbound queue into the relay and the sinks until ctx ends.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-h.outbound:
			h.forward(ctx, ev)
		}
	}
}

func (h *Hub) forward(ctx context.Context, ev Event) {
	if h.PublishToOtherInstances != nil {
		r := Relayed{Origin: h.opts.InstanceID, Tenant: ev.Tenant, Channel: ev.Envelope.Channel, Recipients: ev.Recipients, Frame: ev.Frame}
		if err := h.PublishToOtherInstances(ctx, r); err != nil {
			metric.SinkErrors.WithLabelValues("relay").Inc()
			h.log.Warnw("relay publish failed", "company_id", ev.Tenant, "err", err)
		}
	}
	for _, s := range h.sinks {
		if err := s.Emit(ctx, ev); err != nil {
			metric.SinkErrors.WithLabelValues(s.Name()).Inc()
			h.log.Warnw("event sink failed", "sink", s.Name(), "company_id", ev.Tenant, "kind", ev.Kind, "err", err)
		}
	}
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.RLock()
	subs := make([]*Subscriber, 0, len(h.byConn))
	for _, s := range h.byConn {
		subs = append(subs, s)
	}
	h.mu.RUnlock()
	for _, s := range subs {
		h.Unregister(s)
	}
}
