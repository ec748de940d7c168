// Package observation defines the tagged-union capture record shared by
// every ingress component (DNS, HTTP, SMTP, TCP) and by the store, bus,
// and WebSocket layers that move it around.
package observation

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Type identifies which protocol produced an Observation.
type Type string

const (
	TypeHTTP Type = "http"
	TypeDNS  Type = "dns"
	TypeSMTP Type = "smtp"
	TypeTCP  Type = "tcp"
)

// Observation is the common envelope for every captured event. Protocol
// specific fields are tagged omitempty (Port is a pointer for the same
// reason) so the JSON encoding only emits what applies to that Type.
type Observation struct {
	ID      string `json:"_id"`
	Type    Type   `json:"type"`
	UID     string `json:"uid"`
	Date    int64  `json:"date"`
	IP      string `json:"ip"`
	Port    *int   `json:"port,omitempty"`
	Country string `json:"country,omitempty"`
	Raw     string `json:"raw"`

	// http
	Method   string            `json:"method,omitempty"`
	Path     string            `json:"path,omitempty"`
	Query    string            `json:"query,omitempty"`
	Fragment string            `json:"fragment,omitempty"`
	URL      string            `json:"url,omitempty"`
	Protocol string            `json:"protocol,omitempty"`
	Headers  map[string]string `json:"headers,omitempty"`

	// dns
	QueryType string `json:"query_type,omitempty"`
	Domain    string `json:"domain,omitempty"`
	Reply     string `json:"reply,omitempty"`

	// smtp
	Command string `json:"command,omitempty"`
	Data    string `json:"data,omitempty"`
	Subject string `json:"subject,omitempty"`
	From    string `json:"from,omitempty"`
	To      string `json:"to,omitempty"`
	Cc      string `json:"cc,omitempty"`
	Bcc     string `json:"bcc,omitempty"`
}

// New returns an Observation with a fresh ID and the current time, common
// to all protocols.
func New(typ Type, uid, ip string) Observation {
	return Observation{
		ID:   uuid.NewString(),
		Type: typ,
		UID:  uid,
		Date: time.Now().Unix(),
		IP:   ip,
	}
}

// Tombstone is the placeholder left behind by a single-entry delete, so
// positional indexes into a tenant's request list stay stable.
const Tombstone = "{}"

// Marshal serializes o the way the store persists list entries: a plain
// JSON string payload.
func Marshal(o Observation) ([]byte, error) {
	return json.Marshal(o)
}

// IsTombstone reports whether a stored payload is a deleted placeholder.
func IsTombstone(payload []byte) bool {
	return len(payload) == 0 || string(payload) == Tombstone
}
