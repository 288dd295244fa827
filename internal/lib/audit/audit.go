// Package audit records security-relevant token events.
package audit

import (
	"context"
	"log/slog"
	"time"
)

// Event types.
const (
	EventRefreshTokenReplay = "refresh_token_replay"
	EventChainRevoked       = "refresh_chain_revoked"
)

// Event is one audited occurrence.
type Event struct {
	Timestamp time.Time
	Type      string
	Subject   string
	TokenID   string
	FamilyID  string
	Metadata  map[string]string
}

// Sink receives emitted audit events.
type Sink interface {
	Emit(ctx context.Context, event Event)
}

// NoOpSink drops audit events.
type NoOpSink struct{}

func (NoOpSink) Emit(context.Context, Event) {}

// ChannelSink writes audit events into a buffered channel.
type ChannelSink struct {
	events chan Event
}

func NewChannelSink(buffer int) *ChannelSink {
	if buffer <= 0 {
		buffer = 1
	}
	return &ChannelSink{
		events: make(chan Event, buffer),
	}
}

func (s *ChannelSink) Emit(ctx context.Context, event Event) {
	select {
	case s.events <- event:
	case <-ctx.Done():
	}
}

func (s *ChannelSink) Events() <-chan Event {
	return s.events
}

// SlogSink writes every event as a warning to a dedicated logger.
type SlogSink struct {
	log *slog.Logger
}

func NewSlogSink(log *slog.Logger) *SlogSink {
	return &SlogSink{log: log.With(slog.String("component", "audit"))}
}

func (s *SlogSink) Emit(ctx context.Context, event Event) {
	attrs := []slog.Attr{
		slog.String("event", event.Type),
		slog.Time("timestamp", event.Timestamp),
		slog.String("sub", event.Subject),
		slog.String("token_id", event.TokenID),
		slog.String("family_id", event.FamilyID),
	}
	for k, v := range event.Metadata {
		attrs = append(attrs, slog.String(k, v))
	}

	s.log.LogAttrs(ctx, slog.LevelWarn, "audit event", attrs...)
}
