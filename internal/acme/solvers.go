package acme

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/mholt/acmez/v3/acme"

	"github.com/wisbric/inspector/internal/store"
)

// dnsSolver implements acmez.Solver for DNS-01, writing challenge TXT
// records into the shared KV store (the same key dnsauth.Authority
// serves from) and confirming propagation against two independent
// public resolvers before telling the ACME server the challenge is
// ready.
type dnsSolver struct {
	store *store.Store
}

func (s *dnsSolver) recordKey(domain string) string {
	return fmt.Sprintf("dns:TXT:_acme-challenge.%s.", strings.TrimPrefix(domain, "*."))
}

// Present appends the challenge's DNS-01 key authorization digest to the
// TXT record. Append, not overwrite: a wildcard order validates the
// bare domain and the "*." identifier with the same challenge name, so
// two concurrent values can legitimately coexist.
func (s *dnsSolver) Present(ctx context.Context, chal acme.Challenge) error {
	key := s.recordKey(chal.Identifier.Value)
	value := chal.DNS01KeyAuthorization()

	existing, err := s.store.Get(key)
	if err != nil {
		return s.store.Set(key, []byte(value))
	}
	values := strings.Split(string(existing), "%")
	for _, v := range values {
		if v == value {
			return nil
		}
	}
	return s.store.Set(key, []byte(strings.Join(append(values, value), "%")))
}

// Wait polls two independent public resolvers until both observe the
// expected TXT value, backing off from 2s to 30s between attempts, up
// to a 1200s overall budget.
func (s *dnsSolver) Wait(ctx context.Context, chal acme.Challenge) error {
	name := "_acme-challenge." + strings.TrimPrefix(chal.Identifier.Value, "*.")
	want := chal.DNS01KeyAuthorization()
	resolvers := []string{"8.8.8.8:53", "1.1.1.1:53"}

	deadline := time.Now().Add(1200 * time.Second)
	backoff := 2 * time.Second
	for {
		if time.Now().After(deadline) {
			return fmt.Errorf("acme: dns-01 propagation timed out for %s", name)
		}
		if allResolversSee(ctx, resolvers, name, want) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > 30*time.Second {
			backoff = 30 * time.Second
		}
	}
}

func allResolversSee(ctx context.Context, resolvers []string, name, want string) bool {
	for _, addr := range resolvers {
		r := &net.Resolver{
			PreferGo: true,
			Dial: func(ctx context.Context, network, _ string) (net.Conn, error) {
				d := net.Dialer{Timeout: 5 * time.Second}
				return d.DialContext(ctx, network, addr)
			},
		}
		values, err := r.LookupTXT(ctx, name)
		if err != nil {
			return false
		}
		found := false
		for _, v := range values {
			if v == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// CleanUp removes the TXT value this solver added, leaving any sibling
// value (from the paired wildcard identifier) intact.
func (s *dnsSolver) CleanUp(ctx context.Context, chal acme.Challenge) error {
	key := s.recordKey(chal.Identifier.Value)
	value := chal.DNS01KeyAuthorization()

	existing, err := s.store.Get(key)
	if err != nil {
		return nil
	}
	values := strings.Split(string(existing), "%")
	remaining := values[:0]
	for _, v := range values {
		if v != value {
			remaining = append(remaining, v)
		}
	}
	if len(remaining) == 0 {
		return s.store.Delete(key)
	}
	return s.store.Set(key, []byte(strings.Join(remaining, "%")))
}

// httpSolver implements acmez.Solver for HTTP-01 using the token map
// C6 also reads from at /.well-known/acme-challenge/<token>.
type httpSolver struct {
	challenges *HTTPChallengeMap
}

func (s *httpSolver) Present(ctx context.Context, chal acme.Challenge) error {
	s.challenges.Set(chal.Token, chal.HTTP01KeyAuthorization())
	return nil
}

func (s *httpSolver) Wait(ctx context.Context, chal acme.Challenge) error {
	return nil
}

func (s *httpSolver) CleanUp(ctx context.Context, chal acme.Challenge) error {
	s.challenges.Delete(chal.Token)
	return nil
}
