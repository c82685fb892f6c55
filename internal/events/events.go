// Package events publishes document lifecycle transitions to NATS.
//
// Each transition is published to
//
//	{prefix}.{tenant_id}.{document_id}.{state}
//
// so consumers can subscribe to one tenant (prefix.acme.>) or to terminal
// states only (prefix.*.*.indexed).
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/ragd/internal/config"
	"github.com/fyrsmithlabs/ragd/internal/logging"
	"github.com/fyrsmithlabs/ragd/internal/status"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Event is the JSON body of a lifecycle message.
type Event struct {
	TenantID    string       `json:"tenant_id"`
	DocumentID  string       `json:"document_id"`
	SourceName  string       `json:"source_name,omitempty"`
	State       status.State `json:"state"`
	ErrorReason string       `json:"error_reason,omitempty"`
	ChunkCount  int          `json:"chunk_count"`
	Version     int64        `json:"version"`
	Time        time.Time    `json:"time"`
}

// FromDocument builds the event for doc's current state.
func FromDocument(doc *status.Document) Event {
	return Event{
		TenantID:    doc.TenantID,
		DocumentID:  doc.ID,
		SourceName:  doc.SourceName,
		State:       doc.State,
		ErrorReason: doc.ErrorReason,
		ChunkCount:  doc.ChunkCount,
		Version:     doc.Version,
		Time:        doc.UpdatedAt,
	}
}

// Publisher delivers lifecycle events. Delivery is best effort: a lost
// event never affects the stored document state.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                          { return nil }

// NATS publishes events on a core NATS connection.
type NATS struct {
	nc     *nats.Conn
	prefix string
	logger *logging.Logger
}

// Connect dials url and returns a publisher for subjects under prefix.
func Connect(url, prefix string, logger *logging.Logger) (*NATS, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	nc, err := nats.Connect(url,
		nats.Name("ragd"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn(context.Background(), "nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info(context.Background(), "nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats at %s: %w", url, err)
	}
	return NewNATS(nc, prefix, logger), nil
}

// NewNATS wraps an existing connection. Close drains it.
func NewNATS(nc *nats.Conn, prefix string, logger *logging.Logger) *NATS {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &NATS{nc: nc, prefix: prefix, logger: logger}
}

// Subject returns the subject e is published on.
func (p *NATS) Subject(e Event) string {
	return fmt.Sprintf("%s.%s.%s.%s", p.prefix, e.TenantID, e.DocumentID, e.State)
}

func (p *NATS) Publish(ctx context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	subject := p.Subject(e)
	if err := p.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	p.logger.Trace(ctx, "event published", zap.String("subject", subject))
	return nil
}

func (p *NATS) Close() error {
	return p.nc.Drain()
}

// Open returns a NATS publisher when events are enabled, otherwise Nop.
func Open(cfg config.EventsConfig, logger *logging.Logger) (Publisher, error) {
	if !cfg.Enabled {
		return Nop{}, nil
	}
	return Connect(cfg.URL, cfg.SubjectPrefix, logger)
}

var (
	_ Publisher = Nop{}
	_ Publisher = (*NATS)(nil)
)
