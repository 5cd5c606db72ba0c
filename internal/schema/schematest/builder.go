// Package schematest provides a deterministic event builder for tests.
// Production ingestion never synthesizes events; only test suites use this.
package schematest

import (
	"fmt"
	"time"

	"auditcore/internal/schema"

	"github.com/google/uuid"
)

// BaseTime is the fixed anchor timestamp used by all built events.
var BaseTime = time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

// Builder constructs AuditEvents with deterministic defaults. The zero-ish
// builder obtained from New produces a valid authentication event; every
// With* method returns the builder for chaining.
type Builder struct {
	event schema.AuditEvent
	seq   int
}

// New returns a Builder seeded with deterministic defaults. seq
// differentiates ids and timestamps between events in the same test.
func New(seq int) *Builder {
	return &Builder{
		seq: seq,
		event: schema.AuditEvent{
			EventID:   uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("auditcore-test-%d", seq))),
			Timestamp: BaseTime.Add(time.Duration(seq) * time.Second),
			Category:  schema.CategoryAuthentication,
			Severity:  schema.SeverityMedium,
			Actor: schema.Actor{
				Type: schema.ActorUser,
				ID:   "user-1",
				Name: "Test User",
			},
			Action:        "auth.login",
			Resource:      "srn:auth:session",
			Result:        schema.ResultSuccess,
			ReceivedAt:    BaseTime.Add(time.Duration(seq) * time.Second),
			TenantID:      "default",
			SchemaVersion: schema.SchemaVersionCurrent,
		},
	}
}

// WithCategory sets the category.
func (b *Builder) WithCategory(c schema.Category) *Builder {
	b.event.Category = c
	return b
}

// WithSeverity sets the severity.
func (b *Builder) WithSeverity(s schema.Severity) *Builder {
	b.event.Severity = s
	return b
}

// WithResult sets the result.
func (b *Builder) WithResult(r schema.Result) *Builder {
	b.event.Result = r
	return b
}

// WithAction sets the action string.
func (b *Builder) WithAction(action string) *Builder {
	b.event.Action = action
	return b
}

// WithResource sets the resource string.
func (b *Builder) WithResource(resource string) *Builder {
	b.event.Resource = resource
	return b
}

// WithActor sets the actor.
func (b *Builder) WithActor(a schema.Actor) *Builder {
	b.event.Actor = a
	return b
}

// WithActorID sets only the actor id.
func (b *Builder) WithActorID(id string) *Builder {
	b.event.Actor.ID = id
	return b
}

// WithTarget sets the target.
func (b *Builder) WithTarget(t *schema.Target) *Builder {
	b.event.Target = t
	return b
}

// WithTimestamp sets the event timestamp.
func (b *Builder) WithTimestamp(ts time.Time) *Builder {
	b.event.Timestamp = ts
	return b
}

// WithDedupeKey sets the client dedupe key.
func (b *Builder) WithDedupeKey(key string) *Builder {
	b.event.DedupeKey = key
	return b
}

// WithMetadata sets a metadata entry.
func (b *Builder) WithMetadata(key string, value any) *Builder {
	if b.event.Metadata == nil {
		b.event.Metadata = make(map[string]any)
	}
	b.event.Metadata[key] = value
	return b
}

// Sealed seals the integrity hash before returning the event.
func (b *Builder) Sealed() *schema.AuditEvent {
	e := b.Build()
	schema.SealIntegrity(e)
	return e
}

// Build returns a copy of the constructed event.
func (b *Builder) Build() *schema.AuditEvent {
	e := b.event
	return &e
}
