// Package smtpsink implements C10: an RFC-5321 conversation engine that
// never relays mail. It accepts a session, parses just enough of the
// envelope and headers to derive a tenant and capture one observation,
// then resets for the next message.
package smtpsink

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/wisbric/inspector/internal/bus"
	"github.com/wisbric/inspector/internal/geo"
	"github.com/wisbric/inspector/internal/ingest"
	"github.com/wisbric/inspector/internal/observation"
	"github.com/wisbric/inspector/internal/store"
	"github.com/wisbric/inspector/internal/subdomain"
	"github.com/wisbric/inspector/internal/telemetry"
)

const (
	outerTimeout = 5 * time.Minute
	readTimeout  = 60 * time.Second
	maxLine      = 16 * 1024
	maxMessage   = 10 * 1024 * 1024
)

// Sink accepts connections and runs the SMTP state machine against the
// configured apex.
type Sink struct {
	apex     string
	store    *store.Store
	bus      *bus.Bus
	geoTable *geo.Table
	log      *slog.Logger
}

// Options configures a Sink.
type Options struct {
	Apex   string
	Store  *store.Store
	Bus    *bus.Bus
	Geo    *geo.Table
	Logger *slog.Logger
}

// New constructs a Sink.
func New(opts Options) *Sink {
	return &Sink{
		apex:     strings.ToLower(strings.TrimSuffix(opts.Apex, ".")),
		store:    opts.Store,
		bus:      opts.Bus,
		geoTable: opts.Geo,
		log:      opts.Logger,
	}
}

// ListenAndServe binds addr and accepts connections until an accept
// fails, returning that error. The listener is not exposed to the caller,
// so there is no way to stop it from outside.
func (s *Sink) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("smtpsink: listen %s: %w", addr, err)
	}
	defer ln.Close()

	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go s.handleConn(conn)
	}
}

type state int

const (
	stateGreet state = iota
	stateIdle
	stateHaveFrom
	stateHaveRcpt
	stateData
)

type session struct {
	conn net.Conn // nil in unit tests; only used for deadlines/remote addr
	w    io.Writer
	r    *bufio.Reader
	sink *Sink

	st         state
	tenant     string
	from       string
	to         []string
	cc         []string
	bcc        []string
	dataBuf    strings.Builder
	exceededSz bool
}

func (s *Sink) handleConn(conn net.Conn) {
	defer conn.Close()

	deadline := time.Now().Add(outerTimeout)
	conn.SetDeadline(deadline)

	sess := &session{
		conn: conn,
		w:    conn,
		r:    bufio.NewReaderSize(conn, maxLine),
		sink: s,
		st:   stateGreet,
	}

	sess.reply(fmt.Sprintf("220 %s ESMTP inspector", s.apex))

	outcome := "closed"
	defer func() {
		telemetry.SMTPSessionsTotal.WithLabelValues(outcome).Inc()
	}()

	for {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		if time.Now().After(deadline) {
			sess.reply("421 Timeout")
			outcome = "timeout"
			return
		}

		line, err := sess.readLine()
		if err != nil {
			outcome = "read_error"
			return
		}

		quit := sess.handleLine(line)
		if quit {
			outcome = "quit"
			return
		}
	}
}

func (s *session) readLine() (string, error) {
	line, err := s.r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (s *session) reply(line string) {
	if s.w == nil {
		return
	}
	s.w.Write([]byte(line + "\r\n"))
}

// handleLine processes one line of input and returns true if the
// session should close.
func (s *session) handleLine(line string) bool {
	if s.st == stateData {
		return s.handleDataLine(line)
	}

	upper := strings.ToUpper(line)
	switch {
	case upper == "QUIT":
		s.reply("221 Bye")
		return true
	case upper == "NOOP":
		s.reply("250 OK")
	case upper == "RSET":
		s.reset()
		s.reply("250 OK")
	case strings.HasPrefix(upper, "VRFY") || strings.HasPrefix(upper, "EXPN"):
		s.reply("252 Cannot verify")
	case strings.HasPrefix(upper, "HELP"):
		s.reply("214 See RFC 5321")
	case strings.HasPrefix(upper, "HELO "):
		s.reply(fmt.Sprintf("250 %s Hello", s.sink.apex))
		s.st = stateIdle
	case strings.HasPrefix(upper, "EHLO "):
		s.reply(fmt.Sprintf("250-%s Hello", s.sink.apex))
		s.reply("250-SIZE 10485760")
		s.reply("250-8BITMIME")
		s.reply("250 HELP")
		s.st = stateIdle
	case strings.HasPrefix(upper, "MAIL FROM:"):
		s.from = extractAddress(line[len("MAIL FROM:"):])
		s.reply("250 OK")
		s.st = stateHaveFrom
	case strings.HasPrefix(upper, "RCPT TO:"):
		if s.st != stateHaveFrom && s.st != stateHaveRcpt {
			s.reply("503 Need MAIL command first")
			return false
		}
		addr := extractAddress(line[len("RCPT TO:"):])
		s.to = append(s.to, addr)
		if s.tenant == "" {
			if t, ok := subdomain.FromEmailDomain(addr, s.sink.apex); ok {
				s.tenant = t
			}
		}
		s.reply("250 OK")
		s.st = stateHaveRcpt
	case upper == "DATA":
		if s.st != stateHaveRcpt {
			s.reply("503 Need RCPT command first")
			return false
		}
		s.reply("354 Start mail input; end with <CRLF>.<CRLF>")
		s.st = stateData
	default:
		s.reply("500 Command not recognized")
	}
	return false
}

func (s *session) handleDataLine(line string) bool {
	if line == "." {
		s.finishMessage()
		s.reset()
		s.reply("250 OK")
		return false
	}

	if s.exceededSz {
		return false
	}

	unstuffed := line
	if strings.HasPrefix(line, ".") {
		unstuffed = line[1:]
	}
	if s.dataBuf.Len()+len(unstuffed)+2 > maxMessage {
		s.exceededSz = true
		s.reply("552 Message size exceeds fixed maximum message size")
		return false
	}
	s.dataBuf.WriteString(unstuffed)
	s.dataBuf.WriteString("\r\n")
	return false
}

func (s *session) finishMessage() {
	if s.exceededSz {
		return
	}
	raw := s.dataBuf.String()
	headers := parseHeaders(raw)

	tenant := s.tenant
	if tenant == "" {
		for _, field := range []string{"To", "Cc", "Bcc"} {
			for _, addr := range splitAddressList(headers[field]) {
				if t, ok := subdomain.FromEmailDomain(addr, s.sink.apex); ok {
					tenant = t
					break
				}
			}
			if tenant != "" {
				break
			}
		}
	}
	if tenant == "" {
		return
	}

	var remote string
	if s.conn != nil {
		remote = s.conn.RemoteAddr().String()
	}
	host, port, _ := net.SplitHostPort(remote)
	obs := observation.New(observation.TypeSMTP, tenant, host)
	obs.Country = s.sink.geoTable.Lookup(net.ParseIP(host))
	if p := parsePort(port); p != 0 {
		obs.Port = &p
	}
	obs.Command = "DATA"
	obs.Raw = raw
	obs.Subject = headers["Subject"]
	obs.From = firstNonEmpty(headers["From"], s.from)
	obs.To = joinOrHeader(s.to, headers["To"])
	obs.Cc = headers["Cc"]
	obs.Bcc = headers["Bcc"]

	ingest.Capture(s.sink.store, s.sink.bus, s.sink.log, obs)
}

func (s *session) reset() {
	s.from = ""
	s.to = nil
	s.cc = nil
	s.bcc = nil
	s.dataBuf.Reset()
	s.exceededSz = false
	s.st = stateIdle
}

func extractAddress(s string) string {
	s = strings.TrimSpace(s)
	if idx := strings.IndexByte(s, ' '); idx >= 0 {
		s = s[:idx]
	}
	return strings.Trim(s, "<>")
}

func splitAddressList(header string) []string {
	if header == "" {
		return nil
	}
	parts := strings.Split(header, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		out = append(out, extractAddress(strings.TrimSpace(p)))
	}
	return out
}

func parseHeaders(raw string) map[string]string {
	headers := make(map[string]string)
	lines := strings.Split(raw, "\r\n")
	var key, val string
	flush := func() {
		if key != "" {
			headers[key] = strings.TrimSpace(val)
		}
	}
	for _, line := range lines {
		if line == "" {
			break
		}
		if (strings.HasPrefix(line, " ") || strings.HasPrefix(line, "\t")) && key != "" {
			val += " " + strings.TrimSpace(line)
			continue
		}
		idx := strings.IndexByte(line, ':')
		if idx < 0 {
			continue
		}
		flush()
		key = strings.TrimSpace(line[:idx])
		val = line[idx+1:]
	}
	flush()
	return headers
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func joinOrHeader(envelope []string, header string) string {
	if header != "" {
		return header
	}
	return strings.Join(envelope, ", ")
}

func parsePort(s string) int {
	var p int
	fmt.Sscanf(s, "%d", &p)
	return p
}
