package kafka

import (
	"context"
	"encoding/json"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/fathima-sithara/inventory-realtime/backend/services/realtime-service/internal/hub"
)

// Producer writes every hub event to the events topic, keyed by tenant so
// one tenant's events stay on one partition in order.
type Producer struct {
	writer *kafkago.Writer
	cb     *gobreaker.CircuitBreaker
	log    *zap.SugaredLogger
}

type record struct {
	Tenant     string       `json:"tenant"`
	Kind       hub.Kind     `json:"kind"`
	Recipients []string     `json:"recipients,omitempty"`
	Envelope   hub.Envelope `json:"envelope"`
}

func NewProducer(brokers []string, topic string, log *zap.SugaredLogger) *Producer {
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireAll,
		Async:        false,
		WriteTimeout: 5 * time.Second,
	}
	st := gobreaker.Settings{
		Name:        "kafka-events",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Infow("circuit breaker state", "name", name, "from", from.String(), "to", to.String())
		},
	}
	return &Producer{writer: w, cb: gobreaker.NewCircuitBreaker(st), log: log}
}

func (p *Producer) Name() string { return "kafka" }

// Emit fails fast while the breaker is open.
func (p *Producer) Emit(ctx context.Context, ev hub.Event) error {
	b, err := json.Marshal(record{Tenant: ev.Tenant, Kind: ev.Kind, Recipients: ev.Recipients, Envelope: ev.Envelope})
	if err != nil {
		return err
	}
	_, err = p.cb.Execute(func() (interface{}, error) {
		return nil, p.writer.WriteMessages(ctx, kafkago.Message{
			Key:   []byte(ev.Tenant),
			Value: b,
			Time:  time.Now(),
		})
	})
	return err
}

func (p *Producer) Close() error {
	return p.writer.Close()
}

var _ hub.Sink = (*Producer)(nil)
