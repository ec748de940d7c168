package httpapi

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/wisbric/inspector/internal/store"
)

// DNSRecord is one row of a tenant's DNS record submission.
type DNSRecord struct {
	Domain string `json:"domain" validate:"required"`
	Type   string `json:"type" validate:"required"`
	Value  string `json:"value" validate:"required"`
}

type dnsSubmission struct {
	Records []DNSRecord `json:"records" validate:"dive"`
}

var validDNSTypes = map[string]bool{"A": true, "AAAA": true, "CNAME": true, "TXT": true}

func validDomainChars(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '-', r == '*':
		default:
			return false
		}
	}
	return true
}

func manifestKey(subdomain string) string { return "dns:" + subdomain }

func recordKey(recType, fqdn string) string {
	if !strings.HasSuffix(fqdn, ".") {
		fqdn += "."
	}
	return fmt.Sprintf("dns:%s:%s", recType, strings.ToLower(fqdn))
}

// buildFQDN forces every write into the caller's own subdomain: the
// client-supplied domain is treated as a relative label under
// <subdomain>.<apex>, never as a literal domain the caller could point
// at someone else's namespace.
func buildFQDN(label, subdomain, apex string) string {
	return fmt.Sprintf("%s.%s.%s.", label, subdomain, apex)
}

// loadDNSRecords returns the last-accepted manifest for subdomain, or an
// empty slice if none has been set.
func loadDNSRecords(s *store.Store, subdomain string) ([]DNSRecord, error) {
	raw, err := s.Get(manifestKey(subdomain))
	if err != nil {
		return []DNSRecord{}, nil
	}
	var records []DNSRecord
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, err
	}
	return records, nil
}

// replaceDNSRecords validates records, purges the tenant's existing
// per-record keys, writes the new ones, and stores the manifest — an
// atomic-looking rewrite from the caller's perspective even though the
// underlying store has no multi-key transactions.
//
// Each record's Domain is a label relative to the caller's own
// subdomain, never a literal FQDN: the stored (and returned) record
// always resolves under <label>.<subdomain>.<apex>., so one tenant can
// never write a record into another tenant's namespace or an unrelated
// domain.
func replaceDNSRecords(s *store.Store, apex, subdomain string, records []DNSRecord) error {
	resolved := make([]DNSRecord, len(records))
	for i, r := range records {
		typ := strings.ToUpper(r.Type)
		if !validDNSTypes[typ] {
			return errInvalidRecordType
		}
		label := strings.ToLower(r.Domain)
		if !validDomainChars(label) {
			return errInvalidDomain
		}
		resolved[i] = DNSRecord{Type: typ, Domain: buildFQDN(label, subdomain, apex), Value: r.Value}
	}

	for _, key := range s.Keys(fmt.Sprintf("dns:*:*%s*", subdomain)) {
		s.Delete(key)
	}

	for _, r := range resolved {
		if err := s.Set(recordKey(r.Type, r.Domain), []byte(r.Value)); err != nil {
			return err
		}
	}

	manifest, err := json.Marshal(resolved)
	if err != nil {
		return err
	}
	return s.Set(manifestKey(subdomain), manifest)
}

type apiError string

func (e apiError) Error() string { return string(e) }

const (
	errInvalidRecordType = apiError("invalid DNS record type")
	errInvalidDomain     = apiError("invalid domain characters")
)
