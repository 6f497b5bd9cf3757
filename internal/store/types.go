package store

import (
	"encoding/json"
	"time"
)

// Slice status values. Transitions are monotone: a stopped slice
// stays stopped.
const (
	StatusCreating = "creating"
	StatusRunning  = "running"
	StatusStopped  = "stopped"
	StatusError    = "error"
)

// Resource protocols.
const (
	ProtocolHTTP = "http"
	ProtocolTCP  = "tcp"
	ProtocolUDP  = "udp"
)

// Resource exposure modes.
const (
	ExposePrimary   = "primary"
	ExposeSubdomain = "subdomain"
	ExposeNone      = "none"
)

// Audit log kinds.
const (
	KindPieCreated   = "pie.created"
	KindPieDeleted   = "pie.deleted"
	KindSliceCreated = "slice.created"
	KindSliceStopped = "slice.stopped"
	KindSliceDeleted = "slice.deleted"
)

// Pie is a project: a logical grouping of slices sharing a slug.
type Pie struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Slug      string    `json:"slug"`
	CreatedAt time.Time `json:"createdAt"`
}

// Slice is one running checkout of a pie, identified by a stable hostname.
type Slice struct {
	ID        string     `json:"id"`
	PieID     string     `json:"pieId"`
	Ordinal   int        `json:"ordinal"`
	Host      string     `json:"host"`
	Status    string     `json:"status"`
	CreatedAt time.Time  `json:"createdAt"`
	StoppedAt *time.Time `json:"stoppedAt"`
}

// SliceResource is one protocol binding on a slice.
type SliceResource struct {
	ID            string    `json:"id"`
	SliceID       string    `json:"sliceId"`
	Key           string    `json:"key"`
	AllocatedPort int       `json:"allocatedPort"`
	Protocol      string    `json:"protocol"`
	Expose        string    `json:"expose"`
	RouteHost     string    `json:"routeHost,omitempty"`
	IsPrimaryHTTP bool      `json:"isPrimaryHttp"`
	CreatedAt     time.Time `json:"createdAt"`
}

// SliceWithResources is a slice joined with its resources, in
// insertion order.
type SliceWithResources struct {
	Slice
	Resources []*SliceResource `json:"resources"`
}

// AuditEntry is an append-only event record. PieID and SliceID are
// nulled when the referenced entity is removed so history survives.
type AuditEntry struct {
	ID        string          `json:"id"`
	PieID     *string         `json:"pieId"`
	SliceID   *string         `json:"sliceId"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"createdAt"`
}

// HostRoute is the derived mapping used by the reverse proxy:
// routeHost → (allocatedPort, slice identity, slice status).
type HostRoute struct {
	Host        string
	Port        int
	SliceID     string
	PieID       string
	SliceStatus string
}
