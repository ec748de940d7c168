// Package subdomain implements the one tenant-extraction rule shared by
// every ingress component: given a fully-qualified name (a DNS qname, an
// HTTP Host header, or an email address domain) and the configured apex,
// find the label immediately in front of the apex.
package subdomain

import "strings"

// FromFQDN extracts the tenant label from fqdn given apex, both expected
// lowercase without a required trailing dot (callers should normalise
// first). Returns ok=false if fqdn is not within apex at all.
//
// The label returned is whatever sits directly before the apex suffix,
// even if further labels precede it (e.g. "test.abcd1234.example.com"
// with apex "example.com" yields "abcd1234", not "test").
func FromFQDN(fqdn, apex string) (label string, ok bool) {
	fqdn = strings.TrimSuffix(strings.ToLower(fqdn), ".")
	apex = strings.TrimSuffix(strings.ToLower(apex), ".")

	if fqdn == apex {
		return "", false
	}
	suffix := "." + apex
	if !strings.HasSuffix(fqdn, suffix) {
		return "", false
	}
	remainder := strings.TrimSuffix(fqdn, suffix)
	if remainder == "" {
		return "", false
	}
	labels := strings.Split(remainder, ".")
	last := labels[len(labels)-1]
	if last == "" {
		return "", false
	}
	return last, true
}

// FromHost is FromFQDN after stripping an optional ":port" suffix, for
// HTTP Host headers.
func FromHost(host, apex string) (string, bool) {
	if idx := strings.LastIndex(host, ":"); idx >= 0 && !strings.Contains(host[idx:], "]") {
		host = host[:idx]
	}
	return FromFQDN(host, apex)
}

// FromPathPrefix extracts a tenant from a "/r/<subdomain>[/...]" path. It
// returns the remainder path (with the "/r/<sub>" prefix stripped, leading
// slash kept) alongside the tenant label.
func FromPathPrefix(path string) (label, rest string, ok bool) {
	trimmed := strings.TrimPrefix(path, "/")
	if !strings.HasPrefix(trimmed, "r/") {
		return "", "", false
	}
	trimmed = strings.TrimPrefix(trimmed, "r/")
	slash := strings.Index(trimmed, "/")
	if slash < 0 {
		if trimmed == "" {
			return "", "", false
		}
		return trimmed, "/", true
	}
	label = trimmed[:slash]
	rest = trimmed[slash:]
	if rest == "" {
		rest = "/"
	}
	return label, rest, label != ""
}

// FromEmailDomain extracts the tenant from the domain part of an email
// address ("user@host.tld"), applying the same apex rule.
func FromEmailDomain(addr, apex string) (string, bool) {
	at := strings.LastIndex(addr, "@")
	if at < 0 || at == len(addr)-1 {
		return "", false
	}
	domain := strings.Trim(addr[at+1:], "<>")
	return FromFQDN(domain, apex)
}
