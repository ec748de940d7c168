// Package geo resolves an IPv4 address to a two-letter country code using
// a binary-searched range table. Loading a real database is outside the
// module's scope; Loader is the swap point for doing so.
package geo

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"net"
	"os"
	"sort"
	"sync"
)

type rangeEntry struct {
	start   uint32
	end     uint32
	country string
}

// Table is a binary-searchable IPv4 range-to-country table whose contents
// LoadFrom replaces wholesale under a lock.
type Table struct {
	mu      sync.RWMutex
	entries []rangeEntry
}

// NewTable returns an empty table; Lookup always returns "" until LoadFrom.
func NewTable() *Table {
	return &Table{}
}

// Loader produces the (start, end, country) triples to populate a Table.
// A file-backed CSV loader is provided as the default implementation;
// swap in a MaxMind/geoip2-backed one without touching lookup code.
type Loader interface {
	Load() ([]RangeRecord, error)
}

// RangeRecord is one row of the country range table.
type RangeRecord struct {
	Start   uint32
	End     uint32
	Country string
}

// LoadFrom replaces the table's contents using l, sorting by range start
// so Lookup can binary search.
func (t *Table) LoadFrom(l Loader) error {
	records, err := l.Load()
	if err != nil {
		return err
	}
	entries := make([]rangeEntry, len(records))
	for i, r := range records {
		entries[i] = rangeEntry{start: r.Start, end: r.End, country: r.Country}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].start < entries[j].start })

	t.mu.Lock()
	t.entries = entries
	t.mu.Unlock()
	return nil
}

// Lookup returns the two-letter country code for ip, or "" if unknown or
// if ip is not an IPv4 address (IPv6 sources have no mapping).
func (t *Table) Lookup(ip net.IP) string {
	v4 := ip.To4()
	if v4 == nil {
		return ""
	}
	key := ipToUint32(v4)

	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.entries) == 0 {
		return ""
	}
	// Rightmost entry whose start <= key.
	i := sort.Search(len(t.entries), func(i int) bool { return t.entries[i].start > key }) - 1
	if i < 0 {
		return ""
	}
	e := t.entries[i]
	if key < e.start || key > e.end {
		return ""
	}
	return e.country
}

func ipToUint32(ip net.IP) uint32 {
	return uint32(ip[0])<<24 | uint32(ip[1])<<16 | uint32(ip[2])<<8 | uint32(ip[3])
}

// CSVLoader reads "start_ip,end_ip,country" rows from a file. It is the
// default Loader; the country database itself is an external collaborator
// supplied by the deployment, not this module.
type CSVLoader struct {
	Path string
}

// Load implements Loader.
func (c CSVLoader) Load() ([]RangeRecord, error) {
	f, err := os.Open(c.Path)
	if err != nil {
		return nil, fmt.Errorf("geo: open %s: %w", c.Path, err)
	}
	defer f.Close()

	r := csv.NewReader(bufio.NewReader(f))
	r.FieldsPerRecord = 3
	var out []RangeRecord
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("geo: parse %s: %w", c.Path, err)
		}
		start := net.ParseIP(rec[0]).To4()
		end := net.ParseIP(rec[1]).To4()
		if start == nil || end == nil {
			continue
		}
		out = append(out, RangeRecord{
			Start:   ipToUint32(start),
			End:     ipToUint32(end),
			Country: rec[2],
		})
	}
	return out, nil
}
