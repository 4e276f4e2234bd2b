// Package events publishes recorded drift events to NATS JetStream
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/yairfalse/kirjuri/internal/logger"
	"github.com/yairfalse/kirjuri/pkg/types"
)

// DefaultSubjectPrefix is the first part of every drift subject
const DefaultSubjectPrefix = "kirjuri.drift"

// Config configures the NATS publisher
type Config struct {
	Enabled       bool   `mapstructure:"enabled" yaml:"enabled"`
	URL           string `mapstructure:"url" yaml:"url"`
	SubjectPrefix string `mapstructure:"subject_prefix" yaml:"subject_prefix"`
}

// jetStream is the part of nats.JetStreamContext the publisher uses
type jetStream interface {
	Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// NATSPublisher sends each drift event to
// {prefix}.{tenant_id}.{snapshot_kind}. The event id is the JetStream
// message id, so a retried publish is deduplicated by the server.
type NATSPublisher struct {
	conn   *nats.Conn
	js     jetStream
	prefix string
	logger logger.Logger
}

// NewNATSPublisher connects to NATS and opens a JetStream context
func NewNATSPublisher(cfg Config, log logger.Logger, opts ...nats.Option) (*NATSPublisher, error) {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	nc, err := nats.Connect(cfg.URL, append([]nats.Option{nats.Name("kirjuri")}, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.URL, err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to open JetStream: %w", err)
	}
	p := newPublisher(js, cfg.SubjectPrefix, log)
	p.conn = nc
	return p, nil
}

func newPublisher(js jetStream, prefix string, log logger.Logger) *NATSPublisher {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &NATSPublisher{js: js, prefix: strings.TrimSuffix(prefix, "."), logger: log}
}

// Publish sends one event as JSON
func (p *NATSPublisher) Publish(ctx context.Context, event *types.DriftEvent) error {
	if p == nil || p.js == nil {
		return errors.New("nil publisher")
	}
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	subject := p.Subject(event.TenantID, event.SnapshotKind)
	if _, err := p.js.Publish(subject, data, nats.Context(ctx), nats.MsgId(event.EventID)); err != nil {
		return fmt.Errorf("failed to publish drift event %s to %s: %w", event.EventID, subject, err)
	}
	p.logger.WithFields(map[string]interface{}{
		"event_id": event.EventID,
		"subject":  subject,
	}).Debug("drift event published")
	return nil
}

// Subject returns the subject events of a tenant and kind are sent to
func (p *NATSPublisher) Subject(tenantID string, kind types.SnapshotKind) string {
	return p.prefix + "." + subjectToken(tenantID) + "." + subjectToken(string(kind))
}

// Close drains the connection
func (p *NATSPublisher) Close() {
	if p == nil || p.conn == nil {
		return
	}
	if err := p.conn.Drain(); err != nil {
		p.conn.Close()
	}
}

// subjectToken replaces characters with meaning in NATS subjects
func subjectToken(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}
