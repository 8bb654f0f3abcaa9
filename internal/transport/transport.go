// Package transport implements a gorilla/websocket-backed peer
// transport: a peer-addressed send/recv/peers surface with one
// connection per known peer. Delivery is best-effort; handlers must
// tolerate duplicates.
package transport

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/symbiont-net/node/pkg/symbiont"
)

// ErrUnknownPeer is returned by Send when no connection is registered
// for the given peer.
var ErrUnknownPeer = errors.New("transport: unknown peer")

// Envelope wraps a wire message with a type discriminant so a single
// websocket connection can carry DefenseSignals, Affirmations and
// workflow hand-offs.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

const (
	EnvelopeDefenseSignal = "defense_signal"
	EnvelopeAffirmation   = "affirmation"
	EnvelopeHandoff       = "handoff"
)

// PeerTransport is the injectable transport contract: send to a
// known peer, receive the next inbound envelope, and list currently
// connected peers.
type PeerTransport interface {
	Send(peer symbiont.NodeID, env Envelope) error
	Recv() (symbiont.NodeID, Envelope, error)
	Peers() []symbiont.NodeID
	Close() error
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WebsocketTransport maintains one outbound connection per known peer
// plus any inbound connections accepted via Accept, mirroring the
// Hub's mutex-guarded client-set pattern but keyed by NodeID instead
// of anonymous *websocket.Conn.
type WebsocketTransport struct {
	mu    sync.Mutex
	conns map[symbiont.NodeID]*websocket.Conn
	inbox chan inboundMessage
}

type inboundMessage struct {
	from symbiont.NodeID
	env  Envelope
}

// NewWebsocketTransport returns an empty transport with no peer
// connections.
func NewWebsocketTransport() *WebsocketTransport {
	return &WebsocketTransport{
		conns: make(map[symbiont.NodeID]*websocket.Conn),
		inbox: make(chan inboundMessage, 256),
	}
}

// Dial opens an outbound websocket connection to peer at addr and
// starts its read loop.
func (w *WebsocketTransport) Dial(peer symbiont.NodeID, addr string) error {
	u := url.URL{Scheme: "ws", Host: addr, Path: "/peer"}
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return err
	}
	w.register(peer, conn)
	return nil
}

// Accept registers an inbound connection already upgraded by an HTTP
// handler, keyed by the peer identity asserted in its handshake.
// internal/api mounts no such handler.
func (w *WebsocketTransport) Accept(peer symbiont.NodeID, conn *websocket.Conn) {
	w.register(peer, conn)
}

func (w *WebsocketTransport) register(peer symbiont.NodeID, conn *websocket.Conn) {
	w.mu.Lock()
	w.conns[peer] = conn
	w.mu.Unlock()

	go w.readLoop(peer, conn)
}

func (w *WebsocketTransport) readLoop(peer symbiont.NodeID, conn *websocket.Conn) {
	defer func() {
		w.mu.Lock()
		delete(w.conns, peer)
		w.mu.Unlock()
		conn.Close()
		log.Printf("transport: peer %s disconnected", peer)
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("transport: read error from %s: %v", peer, err)
			}
			return
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Printf("transport: malformed envelope from %s: %v", peer, err)
			continue
		}
		w.inbox <- inboundMessage{from: peer, env: env}
	}
}

// Send writes env to peer's connection, matching the Hub's
// write-deadline pattern so a stalled peer cannot block the caller
// indefinitely.
func (w *WebsocketTransport) Send(peer symbiont.NodeID, env Envelope) error {
	w.mu.Lock()
	conn, ok := w.conns[peer]
	w.mu.Unlock()
	if !ok {
		return ErrUnknownPeer
	}

	data, err := json.Marshal(env)
	if err != nil {
		return err
	}

	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		w.mu.Lock()
		delete(w.conns, peer)
		w.mu.Unlock()
		conn.Close()
		return err
	}
	return nil
}

// Recv blocks until the next inbound envelope arrives from any peer.
func (w *WebsocketTransport) Recv() (symbiont.NodeID, Envelope, error) {
	msg, ok := <-w.inbox
	if !ok {
		return symbiont.NodeID{}, Envelope{}, errors.New("transport: closed")
	}
	return msg.from, msg.env, nil
}

// Peers returns the currently connected peer IDs.
func (w *WebsocketTransport) Peers() []symbiont.NodeID {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]symbiont.NodeID, 0, len(w.conns))
	for id := range w.conns {
		out = append(out, id)
	}
	return out
}

// Close tears down every peer connection. Each closed conn's read loop
// exits on its own and removes itself from conns; the inbox channel is
// left open since those goroutines may still be draining in flight.
func (w *WebsocketTransport) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for id, conn := range w.conns {
		conn.Close()
		delete(w.conns, id)
	}
	return nil
}

// Upgrader exposes the package-level websocket.Upgrader so an HTTP
// handler can accept inbound peer connections without duplicating
// upgrade configuration; internal/api registers no peer route.
func Upgrader() *websocket.Upgrader {
	return &upgrader
}
