package presence

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fathima-sithara/inventory-realtime/backend/services/realtime-service/internal/identity"
	"github.com/fathima-sithara/inventory-realtime/backend/services/realtime-service/internal/metric"
	"github.com/fathima-sithara/inventory-realtime/backend/services/realtime-service/internal/repository"
	"github.com/fathima-sithara/inventory-realtime/backend/shared/utils"
)

// Publisher delivers presence-change events to a tenant.
type Publisher interface {
	PublishPresence(ctx context.Context, tenant, userID string, online bool, at time.Time) error
}

type LastSeenStore interface {
	TouchLastSeen(ctx context.Context, userID string, at time.Time) error
	GetUser(ctx context.Context, userID string) (*repository.User, error)
}

// Mirror shares presence with the other instances. Optional. MarkOnline
// reports whether this instance is the only live holder of userID, and
// MarkOffline whether no instance holds userID any more.
type Mirror interface {
	MarkOnline(ctx context.Context, tenant, userID string, at time.Time) (bool, error)
	MarkOffline(ctx context.Context, tenant, userID string, at time.Time) (bool, error)
}

// Evictor closes a connection the tracker gave up on.
type Evictor interface {
	Evict(connID string)
}

type Options struct {
	// HeartbeatTimeout is the idle window after which a silent connection
	// is reclaimed.
	HeartbeatTimeout time.Duration
	Now              func() time.Time
}

type userState struct {
	tenant string
	conns  map[string]time.Time // conn id -> last activity
}

// Transition is one absent/online change of a user.
type Transition struct {
	UserID string
	Tenant string
	Online bool
	Seq    uint64
	At     time.Time
}

// Tracker counts live connections per user. A user is online while at least
// one of their connections is, on this instance or, with a Mirror, on any
// instance. All transitions of a user are applied and published under one
// mutex, in order.
type Tracker struct {
	mu      sync.RWMutex
	users   map[string]*userState
	tenants map[string]map[string]struct{}
	seqs    map[string]uint64

	pub     Publisher
	store   LastSeenStore
	mirror  Mirror
	evictor Evictor
	opts    Options
	log     *zap.SugaredLogger
}

func NewTracker(opts Options, pub Publisher, store LastSeenStore, mirror Mirror, evictor Evictor, log *zap.SugaredLogger) *Tracker {
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = 90 * time.Second
	}
	if opts.Now == nil {
		opts.Now = utils.NowUTC
	}
	return &Tracker{
		users:   make(map[string]*userState),
		tenants: make(map[string]map[string]struct{}),
		seqs:    make(map[string]uint64),
		pub:     pub,
		store:   store,
		mirror:  mirror,
		evictor: evictor,
		opts:    opts,
		log:     log,
	}
}

// Connect records connID for p. The first connection of a user makes them
// online.
func (t *Tracker) Connect(ctx context.Context, p identity.Principal, connID string) *Transition {
	now := t.opts.Now()

	t.mu.Lock()
	st, ok := t.users[p.UserID]
	if !ok {
		st = &userState{tenant: p.CompanyID, conns: make(map[string]time.Time)}
		t.users[p.UserID] = st
		if _, ok := t.tenants[p.CompanyID]; !ok {
			t.tenants[p.CompanyID] = make(map[string]struct{})
		}
		t.tenants[p.CompanyID][p.UserID] = struct{}{}
	}
	st.conns[connID] = now
	var tr *Transition
	if !ok {
		tr = t.transitionLocked(ctx, p.UserID, p.CompanyID, true, now)
	}
	t.mu.Unlock()

	t.persist(ctx, p.UserID, now)
	return tr
}

// Disconnect drops connID. Unknown connections are ignored.
func (t *Tracker) Disconnect(ctx context.Context, userID, connID string) *Transition {
	now := t.opts.Now()
	t.mu.Lock()
	_, tr, found := t.removeLocked(ctx, userID, connID, now)
	t.mu.Unlock()
	if found {
		t.persist(ctx, userID, now)
	}
	return tr
}

// DisconnectUser drops every connection of userID, as when the account is
// removed, and returns how many there were. Last-seen is left alone.
func (t *Tracker) DisconnectUser(ctx context.Context, userID string) int {
	now := t.opts.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.users[userID]
	if !ok {
		return 0
	}
	ids := make([]string, 0, len(st.conns))
	for id := range st.conns {
		ids = append(ids, id)
	}
	for _, id := range ids {
		t.removeLocked(ctx, userID, id, now)
	}
	return len(ids)
}

// Heartbeat refreshes connID, or every connection of the user when connID
// is empty, and persists last-seen. It never publishes.
func (t *Tracker) Heartbeat(ctx context.Context, userID, connID string) error {
	now := t.opts.Now()
	t.mu.Lock()
	if st, online := t.users[userID]; online {
		t.touchLocked(st, connID, now)
		// under the lock so a refresh never lands after the user's last disconnect
		if t.mirror != nil {
			if _, err := t.mirror.MarkOnline(context.WithoutCancel(ctx), st.tenant, userID, now); err != nil {
				t.log.Warnw("presence mirror update failed", "user_id", userID, "err", err)
			}
		}
	}
	t.mu.Unlock()
	return t.store.TouchLastSeen(ctx, userID, now)
}

// Touch refreshes the idle timer of connID without persisting anything.
func (t *Tracker) Touch(userID, connID string) {
	now := t.opts.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.users[userID]; ok {
		t.touchLocked(st, connID, now)
	}
}

func (t *Tracker) touchLocked(st *userState, connID string, now time.Time) {
	if connID == "" {
		for id := range st.conns {
			st.conns[id] = now
		}
		return
	}
	if _, ok := st.conns[connID]; ok {
		st.conns[connID] = now
	}
}

func (t *Tracker) IsOnline(userID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.users[userID]
	return ok
}

// OnlineUsers returns the sorted ids of tenant's online users.
func (t *Tracker) OnlineUsers(tenant string) []string {
	t.mu.RLock()
	out := make([]string, 0, len(t.tenants[tenant]))
	for id := range t.tenants[tenant] {
		out = append(out, id)
	}
	t.mu.RUnlock()
	sort.Strings(out)
	return out
}

// LastSeen is the persisted last activity of userID. It is zero for users
// that never connected.
func (t *Tracker) LastSeen(ctx context.Context, userID string) (time.Time, error) {
	u, err := t.store.GetUser(ctx, userID)
	if err != nil {
		return time.Time{}, err
	}
	return u.LastSeen, nil
}

func (t *Tracker) Connections(userID string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if st, ok := t.users[userID]; ok {
		return len(st.conns)
	}
	return 0
}

type staleConn struct {
	userID, connID, tenant string
}

// Reap reclaims connections idle for longer than the heartbeat timeout and
// returns how many it removed.
func (t *Tracker) Reap(ctx context.Context) int {
	now := t.opts.Now()
	cutoff := now.Add(-t.opts.HeartbeatTimeout)

	t.mu.Lock()
	var stale []staleConn
	for uid, st := range t.users {
		for cid, last := range st.conns {
			if last.Before(cutoff) {
				stale = append(stale, staleConn{userID: uid, connID: cid})
			}
		}
	}
	for i := range stale {
		stale[i].tenant, _, _ = t.removeLocked(ctx, stale[i].userID, stale[i].connID, now)
	}
	t.mu.Unlock()

	for _, s := range stale {
		t.log.Infow("heartbeat timeout, closing connection", "user_id", s.userID, "conn_id", s.connID, "company_id", s.tenant)
		if t.evictor != nil {
			t.evictor.Evict(s.connID)
		}
		t.persist(ctx, s.userID, now)
	}
	return len(stale)
}

// Run reaps and refreshes the mirror until ctx is done.
func (t *Tracker) Run(ctx context.Context) {
	interval := t.opts.HeartbeatTimeout / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Reap(ctx)
			t.refreshMirror(ctx)
		}
	}
}

// refreshMirror keeps this instance's hold on its online users alive in the
// mirror, including users whose sockets only answer pings.
func (t *Tracker) refreshMirror(ctx context.Context) {
	if t.mirror == nil {
		return
	}
	t.mu.RLock()
	ids := make([]string, 0, len(t.users))
	for id := range t.users {
		ids = append(ids, id)
	}
	t.mu.RUnlock()

	for _, id := range ids {
		t.mu.RLock()
		st, ok := t.users[id]
		if ok {
			if _, err := t.mirror.MarkOnline(ctx, st.tenant, id, t.opts.Now()); err != nil {
				t.log.Warnw("presence mirror refresh failed", "user_id", id, "err", err)
			}
		}
		t.mu.RUnlock()
	}
}

func (t *Tracker) removeLocked(ctx context.Context, userID, connID string, now time.Time) (string, *Transition, bool) {
	st, ok := t.users[userID]
	if !ok {
		return "", nil, false
	}
	if _, ok := st.conns[connID]; !ok {
		return st.tenant, nil, false
	}
	delete(st.conns, connID)
	if len(st.conns) > 0 {
		return st.tenant, nil, true
	}
	delete(t.users, userID)
	if set, ok := t.tenants[st.tenant]; ok {
		delete(set, userID)
		if len(set) == 0 {
			delete(t.tenants, st.tenant)
		}
	}
	return st.tenant, t.transitionLocked(ctx, userID, st.tenant, false, now), true
}

// transitionLocked publishes a local absent/online change when it is also
// a change for the cluster. It returns nil when another instance still
// decides the user's state.
func (t *Tracker) transitionLocked(ctx context.Context, userID, tenant string, online bool, now time.Time) *Transition {
	metric.OnlineUsers.Set(float64(len(t.users)))
	if !t.clusterChangedLocked(ctx, userID, tenant, online, now) {
		return nil
	}
	t.seqs[userID]++
	tr := &Transition{UserID: userID, Tenant: tenant, Online: online, Seq: t.seqs[userID], At: now}
	if err := t.pub.PublishPresence(ctx, tenant, userID, online, now); err != nil {
		t.log.Warnw("presence publish failed", "user_id", userID, "company_id", tenant, "online", online, "err", err)
	}
	return tr
}

// clusterChangedLocked records the local change in the mirror. Without a
// mirror, or when it fails, the local view decides.
func (t *Tracker) clusterChangedLocked(ctx context.Context, userID, tenant string, online bool, now time.Time) bool {
	if t.mirror == nil {
		return true
	}
	ctx = context.WithoutCancel(ctx)
	var (
		changed bool
		err     error
	)
	if online {
		changed, err = t.mirror.MarkOnline(ctx, tenant, userID, now)
	} else {
		changed, err = t.mirror.MarkOffline(ctx, tenant, userID, now)
	}
	if err != nil {
		t.log.Warnw("presence mirror update failed", "user_id", userID, "company_id", tenant, "online", online, "err", err)
		return true
	}
	return changed
}

// persist writes last-seen. Failures are logged only.
func (t *Tracker) persist(ctx context.Context, userID string, at time.Time) {
	if err := t.store.TouchLastSeen(context.WithoutCancel(ctx), userID, at); err != nil {
		t.log.Warnw("last-seen update failed", "user_id", userID, "err", err)
	}
}
