package audit

import (
	"time"

	"github.com/bec-project/bec-atlas/pkg/errdefs"
)

// Collection holds audit events in the document store
const Collection = "audit_events"

// EventType represents the category of audit event
type EventType string

const (
	EventGrantPatch        EventType = "grant.patch"
	EventProfileTokenRead  EventType = "profile.token_read"
	EventCredentialRead    EventType = "credential.read"
	EventCredentialRefresh EventType = "credential.refresh"
)

// EventStatus represents the outcome of an event
type EventStatus string

const (
	StatusSuccess EventStatus = "success"
	StatusFailure EventStatus = "failure"
	StatusDenied  EventStatus = "denied"
)

// StatusOf classifies the error an audited operation returned
func StatusOf(err error) EventStatus {
	switch {
	case err == nil:
		return StatusSuccess
	case errdefs.IsForbidden(err):
		return StatusDenied
	default:
		return StatusFailure
	}
}

// Event is a single audit log entry
type Event struct {
	ID           string                 `json:"_id"`
	OwnerGroups  []string               `json:"owner_groups"`
	AccessGroups []string               `json:"access_groups"`
	Timestamp    time.Time              `json:"timestamp"`
	EventType    EventType              `json:"event_type"`
	Status       EventStatus            `json:"status"`
	Actor        string                 `json:"actor,omitempty"`
	DeploymentID string                 `json:"deployment_id,omitempty"`
	RequestID    string                 `json:"request_id,omitempty"`
	IPAddress    string                 `json:"ip_address,omitempty"`
	UserAgent    string                 `json:"user_agent,omitempty"`
	Message      string                 `json:"message,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// Query filters a search of the trail
type Query struct {
	DeploymentID string
	EventType    EventType
	Actor        string
	Since        time.Time
	// Limit caps the newest events returned; zero means DefaultLimit
	Limit int
}

// DefaultLimit bounds a search without an explicit limit
const DefaultLimit = 100
