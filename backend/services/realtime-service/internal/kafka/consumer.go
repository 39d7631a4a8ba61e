package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/fathima-sithara/inventory-realtime/backend/services/realtime-service/internal/hub"
)

// EntityChange is what the CRUD service writes for every committed change.
type EntityChange struct {
	CompanyID  string          `json:"companyId"`
	EntityType string          `json:"entityType"`
	Action     string          `json:"action"`
	Data       json.RawMessage `json:"data"`
}

type Publisher interface {
	Publish(ctx context.Context, tenant string, kind hub.Kind, entityType string, data any) error
}

// Consumer turns entity-change records into hub events.
type Consumer struct {
	reader *kafkago.Reader
	pub    Publisher
	log    *zap.SugaredLogger
}

func NewConsumer(brokers []string, topic, groupID string, pub Publisher, log *zap.SugaredLogger) *Consumer {
	r := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	return &Consumer{reader: r, pub: pub, log: log}
}

// Start reads until ctx ends. Records are handled in partition order.
func (c *Consumer) Start(ctx context.Context) error {
	for {
		m, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Warnw("kafka read error", "err", err)
			time.Sleep(time.Second)
			continue
		}
		if err := Handle(ctx, c.pub, m.Value); err != nil {
			c.log.Warnw("entity change skipped", "partition", m.Partition, "offset", m.Offset, "err", err)
		}
	}
}

var errIncomplete = errors.New("entity change needs companyId, entityType and action")

// Handle publishes one encoded EntityChange.
func Handle(ctx context.Context, pub Publisher, value []byte) error {
	var ch EntityChange
	if err := json.Unmarshal(value, &ch); err != nil {
		return fmt.Errorf("decode entity change: %w", err)
	}
	if ch.CompanyID == "" || ch.EntityType == "" || ch.Action == "" {
		return errIncomplete
	}
	kind, err := hub.EntityKind(ch.Action)
	if err != nil {
		return err
	}
	var data any = ch.Data
	if len(ch.Data) == 0 {
		data = nil
	}
	return pub.Publish(ctx, ch.CompanyID, kind, ch.EntityType, data)
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}
