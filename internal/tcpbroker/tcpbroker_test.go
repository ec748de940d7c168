package tcpbroker

import (
	"bufio"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/wisbric/inspector/internal/bus"
	"github.com/wisbric/inspector/internal/geo"
	"github.com/wisbric/inspector/internal/store"
)

func testBroker(t *testing.T) *Broker {
	t.Helper()
	s := store.New(slog.Default(), store.Options{
		MaxSubdomainBytes:  1 << 20,
		MaxRequestsPerSess: 100,
		MaxMemoryOverride:  1 << 20,
	})
	return New(Options{
		RangeStart: 31000,
		RangeEnd:   31010,
		Store:      s,
		Bus:        bus.New(),
		Geo:        geo.NewTable(),
		Logger:     slog.Default(),
	})
}

func TestAllocatePortIsIdempotentPerTenant(t *testing.T) {
	b := testBroker(t)
	p1, err := b.AllocatePort("tenantA")
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	p2, err := b.AllocatePort("tenantA")
	if err != nil {
		t.Fatalf("allocate again: %v", err)
	}
	if p1 != p2 {
		t.Errorf("expected same port on repeat allocate, got %d then %d", p1, p2)
	}
}

func TestAllocatePortExhaustsRange(t *testing.T) {
	b := testBroker(t)
	for i := 0; i <= b.rangeEnd-b.rangeStart; i++ {
		tenant := string(rune('a' + i))
		if _, err := b.AllocatePort(tenant); err != nil {
			t.Fatalf("allocate %s: %v", tenant, err)
		}
	}
	if _, err := b.AllocatePort("overflow"); err != ErrNoPortsAvailable {
		t.Errorf("expected ErrNoPortsAvailable, got %v", err)
	}
}

func TestReleasePortFreesItForReuse(t *testing.T) {
	b := testBroker(t)
	p, err := b.AllocatePort("tenantA")
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	b.ReleasePort("tenantA")

	p2, err := b.AllocatePort("tenantB")
	if err != nil {
		t.Fatalf("allocate after release: %v", err)
	}
	if p2 != p {
		t.Errorf("expected released port %d to be reused, got %d", p, p2)
	}
}

func TestConnectionEchoesAndCaptures(t *testing.T) {
	b := testBroker(t)
	port, err := b.AllocatePort("tenantA")
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}

	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", itoa(port)))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.Write([]byte("hello"))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	r := bufio.NewReader(conn)
	buf := make([]byte, 5)
	if _, err := r.Read(buf); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if string(buf) != "hello" {
		t.Errorf("echo = %q, want hello", string(buf))
	}

	time.Sleep(50 * time.Millisecond)
	if n := b.store.LLen("tenantA"); n != 1 {
		t.Errorf("captured %d observations, want 1", n)
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [8]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
