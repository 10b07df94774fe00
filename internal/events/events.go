// Package events carries schema-change notifications over NATS. A producer
// that alters a database publishes a SchemaChanged event; the API process
// subscribes and queues a refresh for the matching database context.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"

	"github.com/duckmesh/sqlrag/internal/dbcontext"
	"github.com/duckmesh/sqlrag/internal/observability"
)

const DefaultSubject = "sqlrag.schema.changed"

type SchemaChanged struct {
	DBType string `json:"db_type"`
	DBName string `json:"db_name"`
}

func (e SchemaChanged) validate() error {
	if strings.TrimSpace(e.DBType) == "" || strings.TrimSpace(e.DBName) == "" {
		return fmt.Errorf("db_type and db_name are required")
	}
	return nil
}

// Notifier queues a refresh for a database. *dbcontext.Coordinator
// satisfies it.
type Notifier interface {
	Publish(key dbcontext.Key) error
}

// headerCarrier adapts nats.Msg headers to the otel TextMapCarrier.
type headerCarrier nats.Msg

func (c *headerCarrier) Get(key string) string {
	if c.Header == nil {
		return ""
	}
	return c.Header.Get(key)
}

func (c *headerCarrier) Set(key, value string) {
	if c.Header == nil {
		c.Header = nats.Header{}
	}
	c.Header.Set(key, value)
}

func (c *headerCarrier) Keys() []string {
	keys := make([]string, 0, len(c.Header))
	for key := range c.Header {
		keys = append(keys, key)
	}
	return keys
}

// Publish sends event on subject with the trace context of ctx in the
// message headers.
func Publish(ctx context.Context, nc *nats.Conn, subject string, event SchemaChanged) error {
	if nc == nil {
		return fmt.Errorf("nats connection is required")
	}
	if err := event.validate(); err != nil {
		return err
	}
	if subject == "" {
		subject = DefaultSubject
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal schema event: %w", err)
	}
	msg := &nats.Msg{Subject: subject, Data: data}
	otel.GetTextMapPropagator().Inject(ctx, (*headerCarrier)(msg))
	if err := nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish schema event: %w", err)
	}
	return nil
}

type Subscriber struct {
	Conn     *nats.Conn
	Subject  string
	Notifier Notifier
	Logger   *slog.Logger

	sub *nats.Subscription
}

// Start subscribes to the subject. Events for databases that have not been
// opened yet are ignored: their context is built fresh on first use.
func (s *Subscriber) Start() error {
	if s.Conn == nil {
		return fmt.Errorf("nats connection is required")
	}
	if s.Notifier == nil {
		return fmt.Errorf("notifier is required")
	}
	if s.Subject == "" {
		s.Subject = DefaultSubject
	}
	if s.Logger == nil {
		s.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	sub, err := s.Conn.Subscribe(s.Subject, s.handle)
	if err != nil {
		return fmt.Errorf("subscribe %q: %w", s.Subject, err)
	}
	s.sub = sub
	s.Logger.Info("schema event subscriber started", slog.String("subject", s.Subject))
	return nil
}

func (s *Subscriber) handle(msg *nats.Msg) {
	ctx := otel.GetTextMapPropagator().Extract(context.Background(), (*headerCarrier)(msg))

	var event SchemaChanged
	if err := json.Unmarshal(msg.Data, &event); err != nil {
		observability.ObserveSchemaEvent("malformed")
		s.Logger.WarnContext(ctx, "dropping malformed schema event", slog.Any("error", err))
		return
	}
	if err := event.validate(); err != nil {
		observability.ObserveSchemaEvent("malformed")
		s.Logger.WarnContext(ctx, "dropping malformed schema event", slog.Any("error", err))
		return
	}

	key := dbcontext.NewKey(event.DBType, event.DBName)
	err := s.Notifier.Publish(key)
	switch {
	case err == nil:
		observability.ObserveSchemaEvent("queued")
		s.Logger.DebugContext(ctx, "schema refresh queued", slog.String("db_type", key.DBType), slog.String("db_name", key.DBName))
	case errors.Is(err, dbcontext.ErrNotInitialized):
		observability.ObserveSchemaEvent("unknown")
	default:
		observability.ObserveSchemaEvent("error")
		s.Logger.ErrorContext(ctx, "queue schema refresh", slog.String("db_type", key.DBType), slog.String("db_name", key.DBName), slog.Any("error", err))
	}
}

// Stop drains the subscription so in-flight events finish.
func (s *Subscriber) Stop() error {
	if s.sub == nil {
		return nil
	}
	if err := s.sub.Drain(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		return fmt.Errorf("drain subscription: %w", err)
	}
	return nil
}
