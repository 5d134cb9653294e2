// Package events consumes grant lifecycle events from the message broker and
// drives the propagation engine. Delivery is at-least-once and unordered
// across grant documents; the engine's set-algebra mutations make redelivery
// and reordering safe.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/plendy/sharesync/pkg/storage"
)

// Routing keys on the grants topic exchange.
const (
	KeyGrantCreated = "grant.created"
	KeyGrantUpdated = "grant.updated"
	KeyGrantDeleted = "grant.deleted"
)

// Grant is the wire representation of a grant document in an event.
type Grant struct {
	ID          string    `json:"id"`
	Owner       string    `json:"owner"`
	Scope       string    `json:"scope"`
	ScopeID     string    `json:"scopeId"`
	Grantee     string    `json:"grantee"`
	AccessLevel string    `json:"accessLevel"`
	CreatedAt   time.Time `json:"createdAt"`
}

// ToStorage converts the wire grant into its storage form.
func (g *Grant) ToStorage() *storage.Grant {
	if g == nil {
		return nil
	}
	return &storage.Grant{
		ID:          g.ID,
		Owner:       g.Owner,
		Scope:       storage.Scope(g.Scope),
		ScopeID:     g.ScopeID,
		Grantee:     g.Grantee,
		AccessLevel: storage.AccessLevel(g.AccessLevel),
		CreatedAt:   g.CreatedAt,
	}
}

// Envelope is the event payload. Created and deleted events carry Grant;
// updated events carry Before and After.
type Envelope struct {
	Type   string `json:"type"`
	Grant  *Grant `json:"grant,omitempty"`
	Before *Grant `json:"before,omitempty"`
	After  *Grant `json:"after,omitempty"`
}

// DecodeEnvelope parses an event body and checks it carries the documents its
// type requires.
func DecodeEnvelope(body []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("malformed event body: %w", err)
	}

	switch env.Type {
	case KeyGrantCreated, KeyGrantDeleted:
		if env.Grant == nil {
			return nil, fmt.Errorf("%s event missing grant document", env.Type)
		}
	case KeyGrantUpdated:
		if env.After == nil {
			return nil, fmt.Errorf("%s event missing after document", env.Type)
		}
	default:
		return nil, fmt.Errorf("unknown event type %q", env.Type)
	}

	return &env, nil
}
