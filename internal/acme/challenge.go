package acme

import "sync"

// HTTPChallengeMap is the in-memory token→key-authorization map shared
// between the ACME engine (writer, during HTTP-01 solving) and C6's
// unauthenticated /.well-known/acme-challenge/<token> route (reader).
type HTTPChallengeMap struct {
	mu sync.RWMutex
	m  map[string]string
}

// NewHTTPChallengeMap returns an empty map.
func NewHTTPChallengeMap() *HTTPChallengeMap {
	return &HTTPChallengeMap{m: make(map[string]string)}
}

// Set registers token's expected response body.
func (c *HTTPChallengeMap) Set(token, keyAuth string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[token] = keyAuth
}

// Get returns token's key authorization, if present.
func (c *HTTPChallengeMap) Get(token string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.m[token]
	return v, ok
}

// Delete removes token once the challenge has been validated.
func (c *HTTPChallengeMap) Delete(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.m, token)
}
