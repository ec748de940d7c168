// Package ingest holds the one push-index-publish sequence every ingress
// component (DNS, HTTP, SMTP, TCP) performs after building an Observation:
// call store.RequestsPush, record the id→index lookup key, and publish a
// new_request event. Capturing traffic is best-effort: a publish with no
// receivers is not an error, and a failed index write is logged and
// otherwise ignored — the triggering traffic is still served.
package ingest

import (
	"fmt"
	"log/slog"
	"strconv"

	"github.com/wisbric/inspector/internal/bus"
	"github.com/wisbric/inspector/internal/observation"
	"github.com/wisbric/inspector/internal/store"
)

// IndexKey returns the KV key that maps an observation id to its position
// in the tenant's request list.
func IndexKey(tenant, id string) string {
	return fmt.Sprintf("request:%s:%s", tenant, id)
}

// Capture pushes obs onto tenant's request list, records its index, and
// publishes a new_request event on b. Failures are logged, not returned —
// per the spec's best-effort capture model.
func Capture(s *store.Store, b *bus.Bus, log *slog.Logger, obs observation.Observation) {
	payload, err := observation.Marshal(obs)
	if err != nil {
		log.Warn("ingest: marshal observation failed", "error", err, "type", obs.Type)
		return
	}

	newLen := s.RequestsPush(obs.UID, payload)
	idx := newLen - 1
	if err := s.Set(IndexKey(obs.UID, obs.ID), []byte(strconv.Itoa(idx))); err != nil {
		log.Warn("ingest: index write failed", "error", err, "uid", obs.UID)
	}

	b.Publish(bus.Event{Cmd: bus.CmdNewRequest, Subdomain: obs.UID, Data: string(payload)})
}
