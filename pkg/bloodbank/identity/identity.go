// Package identity produces event identifiers.
//
// Random ids are UUID v4. Deterministic ids are UUID v5 (SHA-1) computed over
// uuid.NameSpaceOID and the name
//
//	<namespace>:<event_type>:<unique_key>
//
// The namespace UUID, the field order, and the ':' separator are frozen:
// changing any of them silently changes every previously generated id.
// Ids already on the bus were produced this way.
package identity

import (
	"errors"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// DefaultNamespace is used when no namespace is given.
const DefaultNamespace = "bloodbank"

// ErrEmptyEventType is returned when a deterministic id is requested without
// an event type.
var ErrEmptyEventType = errors.New("identity: event type is empty")

// Random returns a new random (v4) identifier.
func Random() uuid.UUID {
	return uuid.New()
}

// Generate returns the deterministic identifier for (namespace, eventType, uniqueKey).
// An empty namespace means DefaultNamespace. An empty uniqueKey is allowed.
func Generate(eventType, uniqueKey, namespace string) (uuid.UUID, error) {
	if eventType == "" {
		return uuid.Nil, ErrEmptyEventType
	}
	if namespace == "" {
		namespace = DefaultNamespace
	}
	name := namespace + ":" + eventType + ":" + uniqueKey
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)), nil
}

// Generator binds a namespace for repeated deterministic id generation.
type Generator struct {
	namespace string
}

// NewGenerator returns a Generator for namespace (DefaultNamespace if empty).
func NewGenerator(namespace string) Generator {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return Generator{namespace: namespace}
}

// Namespace returns the bound namespace.
func (g Generator) Namespace() string {
	return g.namespace
}

// Generate returns the deterministic identifier for eventType and uniqueKey.
func (g Generator) Generate(eventType, uniqueKey string) (uuid.UUID, error) {
	return Generate(eventType, uniqueKey, g.namespace)
}

// UniqueKey builds a stable key from named fields: "k1=v1|k2=v2", sorted by key.
// Map iteration order therefore never affects the resulting id.
func UniqueKey(fields map[string]string) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('|')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(fields[k])
	}
	return b.String()
}
