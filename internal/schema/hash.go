package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// ComputeIntegrityHash returns the hex SHA-256 over the event's canonical
// fields. The hash covers identity, time, classification, actor, action,
// resource and result; mutable store-owned fields (sequence, retention
// state) are excluded so the hash stays stable for the event's lifetime.
func ComputeIntegrityHash(e *AuditEvent) string {
	var b strings.Builder
	b.WriteString(e.EventID.String())
	b.WriteByte('|')
	b.WriteString(e.Timestamp.UTC().Format("2006-01-02T15:04:05.000000000Z"))
	b.WriteByte('|')
	b.WriteString(string(e.Category))
	b.WriteByte('|')
	b.WriteString(string(e.Severity))
	b.WriteByte('|')
	b.WriteString(string(e.Actor.Type))
	b.WriteByte('|')
	b.WriteString(e.Actor.ID)
	b.WriteByte('|')
	b.WriteString(e.Action)
	b.WriteByte('|')
	b.WriteString(e.Resource)
	b.WriteByte('|')
	b.WriteString(string(e.Result))
	if e.Target != nil {
		b.WriteByte('|')
		b.WriteString(e.Target.Type)
		b.WriteByte(':')
		b.WriteString(e.Target.ID)
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// SealIntegrity computes and sets the integrity hash on the event.
func SealIntegrity(e *AuditEvent) {
	e.IntegrityHash = ComputeIntegrityHash(e)
}

// VerifyIntegrity recomputes the hash and compares it with the stored one.
// Returns an IntegrityError on mismatch. Events without a hash pass; callers
// that require sealed events must check for an empty hash themselves.
func VerifyIntegrity(e *AuditEvent) error {
	if e.IntegrityHash == "" {
		return nil
	}
	want := ComputeIntegrityHash(e)
	if e.IntegrityHash != want {
		return &IntegrityError{
			EventID:  e.EventID.String(),
			Expected: want,
			Actual:   e.IntegrityHash,
		}
	}
	return nil
}

// IntegrityError reports an integrity hash mismatch. Events failing the
// check are quarantined, never discarded.
type IntegrityError struct {
	EventID  string
	Expected string
	Actual   string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("schema: integrity hash mismatch for event %s", e.EventID)
}
