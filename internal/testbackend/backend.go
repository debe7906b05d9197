// Package testbackend is a scriptable stand-in for the room backend: an
// httptest server that upgrades /ws/<path> to websockets and answers each
// frame with whatever the test registered for that path.
package testbackend

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/websocket"
)

// Handler answers one inbound frame. Returning nil sends nothing.
type Handler func(req []byte) []byte

type conn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *conn) write(b []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, b)
}

type Backend struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	handlers map[string]Handler
	refuse   map[string]bool
	conns    map[string][]*conn
	received map[string][][]byte
	dials    map[string]int
	queries  map[string][]string
}

// New starts a backend that is torn down with t.
func New(t testing.TB) *Backend {
	b := &Backend{
		handlers: make(map[string]Handler),
		refuse:   make(map[string]bool),
		conns:    make(map[string][]*conn),
		received: make(map[string][][]byte),
		dials:    make(map[string]int),
		queries:  make(map[string][]string),
	}
	b.srv = httptest.NewServer(http.HandlerFunc(b.serve))
	t.Cleanup(b.Close)
	return b
}

// URL is the websocket base URL to configure clients with.
func (b *Backend) URL() string {
	return "ws" + strings.TrimPrefix(b.srv.URL, "http") + "/ws"
}

func (b *Backend) serve(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/ws/")
	b.mu.Lock()
	b.dials[path]++
	b.queries[path] = append(b.queries[path], r.URL.RawQuery)
	refused := b.refuse[path]
	b.mu.Unlock()
	if refused {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}

	ws, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &conn{ws: ws}
	b.mu.Lock()
	b.conns[path] = append(b.conns[path], c)
	b.mu.Unlock()
	defer b.forget(path, c)

	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			return
		}
		b.mu.Lock()
		b.received[path] = append(b.received[path], msg)
		h := b.handlers[path]
		b.mu.Unlock()
		if h == nil {
			continue
		}
		if resp := h(msg); resp != nil {
			if err := c.write(resp); err != nil {
				return
			}
		}
	}
}

func (b *Backend) forget(path string, c *conn) {
	_ = c.ws.Close()
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.conns[path]
	for i, x := range list {
		if x == c {
			b.conns[path] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}

// Handle sets the responder for path.
func (b *Backend) Handle(path string, h Handler) {
	b.mu.Lock()
	b.handlers[path] = h
	b.mu.Unlock()
}

// HandleJSON decodes each frame into a map and encodes fn's answer. A nil
// answer sends nothing.
func (b *Backend) HandleJSON(path string, fn func(req map[string]any) any) {
	b.Handle(path, func(raw []byte) []byte {
		var req map[string]any
		_ = json.Unmarshal(raw, &req)
		resp := fn(req)
		if resp == nil {
			return nil
		}
		out, _ := json.Marshal(resp)
		return out
	})
}

// Refuse makes new handshakes on path fail with 503.
func (b *Backend) Refuse(path string, refuse bool) {
	b.mu.Lock()
	b.refuse[path] = refuse
	b.mu.Unlock()
}

// Drop closes every live connection on path.
func (b *Backend) Drop(path string) {
	b.mu.Lock()
	list := append([]*conn(nil), b.conns[path]...)
	b.mu.Unlock()
	for _, c := range list {
		_ = c.ws.Close()
	}
}

// Push sends v to every live connection on path.
func (b *Backend) Push(path string, v any) {
	out, _ := json.Marshal(v)
	b.mu.Lock()
	list := append([]*conn(nil), b.conns[path]...)
	b.mu.Unlock()
	for _, c := range list {
		_ = c.write(out)
	}
}

// Received returns the frames read on path so far.
func (b *Backend) Received(path string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([][]byte(nil), b.received[path]...)
}

// Dials counts handshake attempts on path, refused ones included.
func (b *Backend) Dials(path string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials[path]
}

// Queries returns the raw query string of every handshake on path.
func (b *Backend) Queries(path string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.queries[path]...)
}

// Conns counts live connections on path.
func (b *Backend) Conns(path string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns[path])
}

func (b *Backend) Close() {
	b.mu.Lock()
	var all []*conn
	for _, list := range b.conns {
		all = append(all, list...)
	}
	b.mu.Unlock()
	for _, c := range all {
		_ = c.ws.Close()
	}
	b.srv.Close()
}
