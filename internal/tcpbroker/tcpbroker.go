// Package tcpbroker implements C11: an allocator over a bounded TCP port
// range that spawns one accept loop per tenant, captures the first
// chunk of each connection, and echoes it back.
package tcpbroker

import (
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/wisbric/inspector/internal/bus"
	"github.com/wisbric/inspector/internal/geo"
	"github.com/wisbric/inspector/internal/ingest"
	"github.com/wisbric/inspector/internal/observation"
	"github.com/wisbric/inspector/internal/store"
	"github.com/wisbric/inspector/internal/telemetry"
)

const readChunk = 8 * 1024

// ErrNoPortsAvailable is returned when the configured range is fully
// allocated.
var ErrNoPortsAvailable = fmt.Errorf("tcpbroker: no available ports")

// Broker owns the two port maps and the set of active listeners.
type Broker struct {
	rangeStart, rangeEnd int

	store    *store.Store
	bus      *bus.Bus
	geoTable *geo.Table
	log      *slog.Logger

	mu             sync.Mutex
	tenantToPort   map[string]int
	portToTenant   map[int]string
	listeners      map[int]net.Listener
}

// Options configures a Broker.
type Options struct {
	RangeStart int
	RangeEnd   int
	Store      *store.Store
	Bus        *bus.Bus
	Geo        *geo.Table
	Logger     *slog.Logger
}

// New constructs a Broker with no ports yet allocated.
func New(opts Options) *Broker {
	return &Broker{
		rangeStart:   opts.RangeStart,
		rangeEnd:     opts.RangeEnd,
		store:        opts.Store,
		bus:          opts.Bus,
		geoTable:     opts.Geo,
		log:          opts.Logger,
		tenantToPort: make(map[string]int),
		portToTenant: make(map[int]string),
		listeners:    make(map[int]net.Listener),
	}
}

// AllocatePort returns the tenant's existing port if it has one,
// otherwise claims the first free port in range, binds a listener for
// it, and returns the new port.
func (b *Broker) AllocatePort(tenant string) (int, error) {
	b.mu.Lock()
	if port, ok := b.tenantToPort[tenant]; ok {
		b.mu.Unlock()
		return port, nil
	}

	var chosen int
	found := false
	for p := b.rangeStart; p <= b.rangeEnd; p++ {
		if _, taken := b.portToTenant[p]; !taken {
			chosen = p
			found = true
			break
		}
	}
	if !found {
		b.mu.Unlock()
		return 0, ErrNoPortsAvailable
	}
	b.tenantToPort[tenant] = chosen
	b.portToTenant[chosen] = tenant
	b.mu.Unlock()

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", chosen))
	if err != nil {
		b.ReleasePort(tenant)
		return 0, fmt.Errorf("tcpbroker: bind port %d: %w", chosen, err)
	}

	b.mu.Lock()
	b.listeners[chosen] = ln
	b.mu.Unlock()

	go b.acceptLoop(ln, chosen, tenant)

	b.log.Info("tcpbroker: port allocated", "tenant", tenant, "port", chosen)
	return chosen, nil
}

// ReleasePort removes tenant's mapping from both maps and closes the
// port's listener, so its accept loop ends at the next accept and the
// port can be allocated again.
func (b *Broker) ReleasePort(tenant string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	port, ok := b.tenantToPort[tenant]
	if !ok {
		return
	}
	delete(b.tenantToPort, tenant)
	delete(b.portToTenant, port)
	if ln, ok := b.listeners[port]; ok {
		ln.Close()
		delete(b.listeners, port)
	}
	b.log.Info("tcpbroker: port released", "tenant", tenant, "port", port)
}

func (b *Broker) tenantFor(port int) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.portToTenant[port]
	return t, ok
}

func (b *Broker) acceptLoop(ln net.Listener, port int, initialTenant string) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go b.handleConn(conn, port, initialTenant)
	}
}

func (b *Broker) handleConn(conn net.Conn, port int, tenant string) {
	defer conn.Close()

	buf := make([]byte, readChunk)
	n, err := conn.Read(buf)
	if err != nil && n == 0 {
		if err != io.EOF {
			b.log.Debug("tcpbroker: read failed", "port", port, "error", err)
		}
		return
	}

	if current, ok := b.tenantFor(port); ok {
		tenant = current
	}

	host, portStr, _ := net.SplitHostPort(conn.RemoteAddr().String())
	obs := observation.New(observation.TypeTCP, tenant, host)
	obs.Country = b.geoTable.Lookup(net.ParseIP(host))
	p := port
	obs.Port = &p
	obs.Raw = rawBase64(buf[:n])
	_ = portStr

	ingest.Capture(b.store, b.bus, b.log, obs)
	telemetry.TCPConnectionsTotal.WithLabelValues(tenant).Inc()

	conn.Write(buf[:n])
}

func rawBase64(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}
