package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fathima-sithara/inventory-realtime/backend/shared/utils"
)

// PresenceMirror shares presence between instances and with other services.
// Keys:
//   - <prefix>:presence:<tenant>:<user>  -> json {status,last_seen}, expiring after ttl
//   - <prefix>:holders:<tenant>:<user>   -> zset of instance ids scored by last refresh (ms)
//   - <prefix>:online:<tenant>           -> zset of online user ids scored by last refresh (ms)
//
// Members older than ttl are trimmed on every write, so entries left behind
// by a crashed instance age out even while the tenant stays busy.
type PresenceMirror struct {
	client   redis.Scripter
	prefix   string
	instance string
	ttl      time.Duration
}

type PresenceRecord struct {
	Status   string `json:"status"`
	LastSeen string `json:"last_seen"`
}

// KEYS: holders, online, presence
// ARGV: instance, user, now ms, cutoff ms, ttl ms, record
var markOnline = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', '(' .. ARGV[4])
redis.call('ZADD', KEYS[1], ARGV[3], ARGV[1])
redis.call('PEXPIRE', KEYS[1], ARGV[5])
redis.call('ZREMRANGEBYSCORE', KEYS[2], '-inf', '(' .. ARGV[4])
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[2])
redis.call('PEXPIRE', KEYS[2], ARGV[5])
redis.call('SET', KEYS[3], ARGV[6], 'PX', ARGV[5])
return redis.call('ZCARD', KEYS[1])
`)

var markOffline = redis.NewScript(`
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', '(' .. ARGV[4])
local n = redis.call('ZCARD', KEYS[1])
if n == 0 then
  redis.call('ZREM', KEYS[2], ARGV[2])
  redis.call('SET', KEYS[3], ARGV[6], 'PX', ARGV[5])
end
return n
`)

func NewPresenceMirror(r redis.Scripter, prefix, instanceID string, ttl time.Duration) *PresenceMirror {
	return &PresenceMirror{client: r, prefix: prefix, instance: instanceID, ttl: ttl}
}

func (m *PresenceMirror) presenceKey(tenant, userID string) string {
	return fmt.Sprintf("%s:presence:%s:%s", m.prefix, tenant, userID)
}

func (m *PresenceMirror) holdersKey(tenant, userID string) string {
	return fmt.Sprintf("%s:holders:%s:%s", m.prefix, tenant, userID)
}

func (m *PresenceMirror) onlineKey(tenant string) string {
	return fmt.Sprintf("%s:online:%s", m.prefix, tenant)
}

// MarkOnline records this instance as a holder of userID and reports
// whether it is the only live one.
func (m *PresenceMirror) MarkOnline(ctx context.Context, tenant, userID string, at time.Time) (bool, error) {
	n, err := m.run(ctx, markOnline, tenant, userID, "online", at)
	return n == 1, err
}

// MarkOffline drops this instance as a holder of userID and reports whether
// no live holder is left.
func (m *PresenceMirror) MarkOffline(ctx context.Context, tenant, userID string, at time.Time) (bool, error) {
	n, err := m.run(ctx, markOffline, tenant, userID, "offline", at)
	return n == 0, err
}

func (m *PresenceMirror) run(ctx context.Context, s *redis.Script, tenant, userID, status string, at time.Time) (int64, error) {
	b, err := json.Marshal(PresenceRecord{Status: status, LastSeen: utils.ISO(at)})
	if err != nil {
		return 0, err
	}
	keys := []string{m.holdersKey(tenant, userID), m.onlineKey(tenant), m.presenceKey(tenant, userID)}
	n, err := s.Run(ctx, m.client, keys,
		m.instance,
		userID,
		strconv.FormatInt(at.UnixMilli(), 10),
		strconv.FormatInt(at.Add(-m.ttl).UnixMilli(), 10),
		strconv.FormatInt(m.ttl.Milliseconds(), 10),
		string(b),
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("presence mirror %s %s: %w", status, userID, err)
	}
	return n, nil
}
