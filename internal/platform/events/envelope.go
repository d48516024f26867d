// Package events carries notification events from external producers into
// the dispatcher. Producers publish JSON envelopes to a Kafka topic or post
// them to the HTTP ingest endpoint; both paths decode into an Envelope.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Envelope is a producer event. Recipients receive persisted notifications,
// Role receives an ephemeral broadcast and Channel receives a relayed
// message that excludes SenderID. At least one target must be set.
type Envelope struct {
	TenantID   string          `json:"tenant_id,omitempty"`
	Type       string          `json:"type" validate:"required,max=64"`
	Title      string          `json:"title,omitempty" validate:"max=255"`
	Message    string          `json:"message,omitempty" validate:"max=4000"`
	Data       json.RawMessage `json:"data,omitempty"`
	Recipients []string        `json:"recipients,omitempty" validate:"omitempty,max=1000,dive,required"`
	Role       string          `json:"role,omitempty"`
	Channel    string          `json:"channel,omitempty"`
	SenderID   string          `json:"sender_id,omitempty"`
}

var ErrNoTarget = errors.New("event has no recipients, role or channel")

var validate = validator.New()

// Validate checks the struct tags and the cross-field targeting rule.
func (e *Envelope) Validate() error {
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("event type is required")
	}
	if err := validate.Struct(e); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("invalid event %s: failed %q constraint", verrs[0].Field(), verrs[0].Tag())
		}
		return fmt.Errorf("invalid event: %w", err)
	}
	if len(e.Recipients) == 0 && e.Role == "" && e.Channel == "" {
		return ErrNoTarget
	}
	if len(e.Data) > 0 && !json.Valid(e.Data) {
		return errors.New("event data is not valid JSON")
	}
	return nil
}

// Decode parses and validates a raw envelope.
func Decode(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode event: %w", err)
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// Sink consumes decoded envelopes. The notification dispatcher implements it.
type Sink interface {
	Consume(ctx context.Context, env Envelope) error
}

// TenantScope runs fn scoped to a tenant's storage.
type TenantScope func(ctx context.Context, tenantID string, fn func(ctx context.Context) error) error

// Unscoped runs fn directly. Used with single-tenant stores.
func Unscoped(ctx context.Context, _ string, fn func(ctx context.Context) error) error {
	return fn(ctx)
}
