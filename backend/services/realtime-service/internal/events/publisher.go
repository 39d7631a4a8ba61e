package events

import (
	"context"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fathima-sithara/inventory-realtime/backend/services/realtime-service/internal/hub"
)

// Publisher forwards hub frames to NATS on <prefix>.<tenant> for services
// that do not hold a WebSocket.
type Publisher struct {
	nc     *nats.Conn
	prefix string
}

func NewPublisher(natsURL, prefix string, log *zap.SugaredLogger) (*Publisher, error) {
	nc, err := nats.Connect(natsURL,
		nats.Name("realtime-service"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warnw("nats disconnected", "err", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Infow("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, err
	}
	return &Publisher{nc: nc, prefix: prefix}, nil
}

func (p *Publisher) Subject(tenant string) string { return p.prefix + "." + tenant }

func (p *Publisher) Name() string { return "nats" }

func (p *Publisher) Emit(_ context.Context, ev hub.Event) error {
	return p.nc.Publish(p.Subject(ev.Tenant), ev.Frame)
}

func (p *Publisher) Close() {
	if err := p.nc.Drain(); err != nil {
		p.nc.Close()
	}
}

var _ hub.Sink = (*Publisher)(nil)
