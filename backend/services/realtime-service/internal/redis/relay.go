package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/fathima-sithara/inventory-realtime/backend/services/realtime-service/internal/hub"
)

// Relay carries hub frames between instances over Redis pub/sub, one
// channel per tenant: <prefix>:relay:<tenant>.
type Relay struct {
	client *redis.Client
	prefix string
	log    *zap.SugaredLogger
}

func NewRelay(client *redis.Client, prefix string, log *zap.SugaredLogger) *Relay {
	return &Relay{client: client, prefix: prefix, log: log}
}

func (r *Relay) channel(tenant string) string {
	return fmt.Sprintf("%s:relay:%s", r.prefix, tenant)
}

// Publish matches hub.Hub.PublishToOtherInstances.
func (r *Relay) Publish(ctx context.Context, msg hub.Relayed) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, r.channel(msg.Tenant), b).Err()
}

// Run feeds frames from other instances into handle until ctx ends.
func (r *Relay) Run(ctx context.Context, handle func(hub.Relayed)) error {
	sub := r.client.PSubscribe(ctx, r.channel("*"))
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("relay subscribe: %w", err)
	}
	r.log.Infow("relay subscribed", "pattern", r.channel("*"))

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			var msg hub.Relayed
			if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
				r.log.Warnw("dropping malformed relay frame", "channel", m.Channel, "err", err)
				continue
			}
			if msg.Tenant == "" {
				msg.Tenant = strings.TrimPrefix(m.Channel, r.channel(""))
			}
			handle(msg)
		}
	}
}

