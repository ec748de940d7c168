// Package wsmux implements C12: the WebSocket multiplexer that lets a
// dashboard client subscribe to one or more tenant subdomains, replay
// their history on connect, and receive live cache events as they happen.
package wsmux

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wisbric/inspector/internal/bus"
	"github.com/wisbric/inspector/internal/identity"
	"github.com/wisbric/inspector/internal/observation"
	"github.com/wisbric/inspector/internal/store"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const backlogSize = 100

type command struct {
	Cmd       string `json:"cmd"`
	Token     string `json:"token,omitempty"`
	Subdomain string `json:"subdomain,omitempty"`
}

type outbound struct {
	Cmd       string `json:"cmd"`
	Subdomain string `json:"subdomain,omitempty"`
	Data      any    `json:"data,omitempty"`
	Code      string `json:"code,omitempty"`
	Message   string `json:"message,omitempty"`
}

// cmdAliases maps internal bus command names to the wire vocabulary the
// dashboard speaks.
var cmdAliases = map[bus.Command]string{
	bus.CmdNewRequest:    "request",
	bus.CmdDeleteRequest: "deleted",
	bus.CmdDeleteAll:     "cleared",
}

// Handler returns the /api/v2/ws upgrade endpoint.
func Handler(s *store.Store, b *bus.Bus, ids *identity.Manager, log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn("wsmux: upgrade failed", "error", err)
			return
		}
		sess := &session{
			conn:  conn,
			store: s,
			bus:   b,
			ids:   ids,
			log:   log,
			subs:  make(map[string]struct{}),
			out:   make(chan []byte, backlogSize),
		}
		sess.run()
	}
}

type session struct {
	conn  *websocket.Conn
	store *store.Store
	bus   *bus.Bus
	ids   *identity.Manager
	log   *slog.Logger

	mu   sync.Mutex
	subs map[string]struct{}
	out  chan []byte
}

func (s *session) run() {
	defer s.conn.Close()

	events, cancel := s.bus.Subscribe(backlogSize)
	defer cancel()

	done := make(chan struct{})
	go s.writeLoop(done)
	go s.fanOutLoop(events, done)

	s.readLoop()
	close(done)
}

func (s *session) readLoop() {
	for {
		var cmd command
		if err := s.conn.ReadJSON(&cmd); err != nil {
			return
		}
		s.handleCommand(cmd)
	}
}

func (s *session) handleCommand(cmd command) {
	switch cmd.Cmd {
	case "connect":
		s.handleConnect(cmd.Token)
	case "ping":
		s.send(outbound{Cmd: "pong"})
	case "disconnect":
		s.mu.Lock()
		delete(s.subs, cmd.Subdomain)
		s.mu.Unlock()
	default:
		s.send(outbound{Cmd: "error", Code: "unknown_command"})
	}
}

func (s *session) handleConnect(token string) {
	if token == "" {
		s.send(outbound{Cmd: "error", Code: "missing_token", Message: "missing token"})
		return
	}
	sub, ok := s.ids.VerifySessionToken(token)
	if !ok {
		s.send(outbound{Cmd: "error", Code: "invalid_token", Message: "invalid or expired token"})
		return
	}

	s.mu.Lock()
	s.subs[sub] = struct{}{}
	s.mu.Unlock()

	s.send(outbound{Cmd: "connected", Subdomain: sub})

	history := s.store.RequestsRange(sub, 0, -1)
	data := make([]json.RawMessage, 0, len(history))
	for _, item := range history {
		if observation.IsTombstone(item) {
			continue
		}
		data = append(data, item)
	}
	s.send(outbound{Cmd: "requests", Subdomain: sub, Data: data})
}

func (s *session) subscribed(sub string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.subs[sub]
	return ok
}

func (s *session) fanOutLoop(events <-chan bus.Event, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if !s.subscribed(ev.Subdomain) {
				continue
			}
			name, ok := cmdAliases[ev.Cmd]
			if !ok {
				name = string(ev.Cmd)
			}
			var data any
			if ev.Data != "" {
				var parsed any
				if err := json.Unmarshal([]byte(ev.Data), &parsed); err == nil {
					data = parsed
				} else {
					data = nil
				}
			}
			s.send(outbound{Cmd: name, Subdomain: ev.Subdomain, Data: data})
		}
	}
}

func (s *session) send(v outbound) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case s.out <- b:
	default:
		// Per-socket backlog full; drop, best-effort delivery.
	}
}

func (s *session) writeLoop(done <-chan struct{}) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case b := <-s.out:
			if err := s.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		case <-ticker.C:
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
