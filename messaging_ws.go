package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"gopkg.in/yaml.v3"
)

const (
	peersFileName      = "peers.yaml"
	wsWriteTimeout     = 5 * time.Second
	wsDialTimeout      = 10 * time.Second
	wsWriteBufferDepth = 16
)

// PeersConfig maps counterparty public identifiers to their websocket
// endpoints. Loaded from <configDirPath>/peers.yaml.
type PeersConfig struct {
	Peers []PeerConfig `yaml:"peers"`
}

type PeerConfig struct {
	PublicIdentifier string `yaml:"public_identifier"`
	URL              string `yaml:"url"`
}

// LoadPeers loads the peer directory. A missing file yields an empty
// directory: the node then only talks to peers that dial in.
func LoadPeers(configDirPath string) (map[string]string, error) {
	peersPath := filepath.Join(configDirPath, peersFileName)
	f, err := os.Open(peersPath)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, err
	}
	defer f.Close()

	var cfg PeersConfig
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, err
	}

	peers := make(map[string]string, len(cfg.Peers))
	for _, p := range cfg.Peers {
		if p.PublicIdentifier == "" || p.URL == "" {
			return nil, fmt.Errorf("peer entry needs both public_identifier and url")
		}
		peers[p.PublicIdentifier] = p.URL
	}
	return peers, nil
}

// wsFrame is the wire shape of one websocket message. Request frames
// carry a fresh ID; response frames echo it in ReplyTo.
type wsFrame struct {
	ID       string   `json:"id"`
	ReplyTo  string   `json:"replyTo,omitempty"`
	Envelope Envelope `json:"envelope"`
}

// WebsocketMessaging is the websocket MessagingService. It serves
// inbound peer connections over HandleConnection and dials out to
// peers listed in the peer directory. One connection per peer is kept
// open and shared by both directions.
type WebsocketMessaging struct {
	identifier string
	peerURLs   map[string]string
	logger     Logger
	upgrader   websocket.Upgrader

	mu      sync.RWMutex
	handler InboundHandler
	conns   map[string]*wsPeerConn

	pendingMu sync.Mutex
	pending   map[string]chan Envelope
}

var _ MessagingService = (*WebsocketMessaging)(nil)

func NewWebsocketMessaging(identifier string, peerURLs map[string]string, logger Logger) *WebsocketMessaging {
	return &WebsocketMessaging{
		identifier: identifier,
		peerURLs:   peerURLs,
		logger:     logger.NewSystem("messaging"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns:   make(map[string]*wsPeerConn),
		pending: make(map[string]chan Envelope),
	}
}

func (m *WebsocketMessaging) OnReceive(handler InboundHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = handler
}

// Send delivers the envelope over the peer's connection and waits for
// the matching response frame.
func (m *WebsocketMessaging) Send(ctx context.Context, to string, envelope Envelope, timeout time.Duration) (*Envelope, error) {
	conn, err := m.peerConn(ctx, to)
	if err != nil {
		return nil, err
	}

	frame := wsFrame{ID: uuid.NewString(), Envelope: envelope}
	responseCh := make(chan Envelope, 1)
	m.pendingMu.Lock()
	m.pending[frame.ID] = responseCh
	m.pendingMu.Unlock()
	defer func() {
		m.pendingMu.Lock()
		delete(m.pending, frame.ID)
		m.pendingMu.Unlock()
	}()

	if err := conn.write(frame); err != nil {
		return nil, NewChannelError(ErrCodeMessagingFailure, "failed to write to %s: %v", to, err).WithCause(err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	select {
	case response := <-responseCh:
		return &response, nil
	case <-ctx.Done():
		return nil, NewChannelError(ErrCodeMessagingFailure, "send to %s timed out: %v", to, ctx.Err()).WithCause(ctx.Err())
	}
}

// HandleConnection upgrades an inbound HTTP request to a websocket
// peer connection. Mount it on the node's HTTP mux.
func (m *WebsocketMessaging) HandleConnection(w http.ResponseWriter, r *http.Request) {
	ws, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Warn("failed to upgrade peer connection", "error", err)
		return
	}
	// The peer identifies itself on its first frame; until then the
	// connection is anonymous and only readable.
	conn := m.newPeerConn("", ws)
	go conn.writePump()
	go m.readPump(conn)
}

// Close tears down all peer connections.
func (m *WebsocketMessaging) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, conn := range m.conns {
		conn.close()
	}
	m.conns = make(map[string]*wsPeerConn)
}

// peerConn returns the open connection to the peer, dialing its
// configured URL when none exists.
func (m *WebsocketMessaging) peerConn(ctx context.Context, to string) (*wsPeerConn, error) {
	m.mu.RLock()
	conn, ok := m.conns[to]
	m.mu.RUnlock()
	if ok {
		return conn, nil
	}

	url, ok := m.peerURLs[to]
	if !ok {
		return nil, NewChannelError(ErrCodeMessagingFailure, "no connection or configured endpoint for peer %s", to)
	}

	dialCtx, cancel := context.WithTimeout(ctx, wsDialTimeout)
	defer cancel()
	ws, _, err := websocket.DefaultDialer.DialContext(dialCtx, url, nil)
	if err != nil {
		return nil, NewChannelError(ErrCodeMessagingFailure, "failed to dial peer %s at %s: %v", to, url, err).WithCause(err)
	}

	conn = m.newPeerConn(to, ws)
	m.mu.Lock()
	if existing, ok := m.conns[to]; ok {
		// Lost the dial race; keep the established connection.
		m.mu.Unlock()
		conn.close()
		return existing, nil
	}
	m.conns[to] = conn
	m.mu.Unlock()

	go conn.writePump()
	go m.readPump(conn)
	m.logger.Info("connected to peer", "peer", to, "url", url)
	return conn, nil
}

func (m *WebsocketMessaging) newPeerConn(identifier string, ws *websocket.Conn) *wsPeerConn {
	return &wsPeerConn{
		identifier: identifier,
		ws:         ws,
		writeSink:  make(chan wsFrame, wsWriteBufferDepth),
		closed:     make(chan struct{}),
	}
}

// readPump consumes frames from one peer connection until it drops.
// Response frames complete pending sends; request frames go through
// the registered handler, whose response is written back.
func (m *WebsocketMessaging) readPump(conn *wsPeerConn) {
	defer m.dropConn(conn)

	for {
		_, raw, err := conn.ws.ReadMessage()
		if err != nil {
			if conn.identifier != "" {
				m.logger.Info("peer connection closed", "peer", conn.identifier, "error", err)
			}
			return
		}

		var frame wsFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			m.logger.Debug("dropping undecodable frame", "error", err)
			continue
		}

		m.adoptConn(conn, frame.Envelope.From)

		if frame.ReplyTo != "" {
			m.pendingMu.Lock()
			responseCh, ok := m.pending[frame.ReplyTo]
			if ok {
				delete(m.pending, frame.ReplyTo)
			}
			m.pendingMu.Unlock()
			if ok {
				responseCh <- frame.Envelope
			}
			continue
		}

		m.mu.RLock()
		handler := m.handler
		m.mu.RUnlock()
		if handler == nil {
			continue
		}
		go func(frame wsFrame) {
			response, err := handler(context.Background(), frame.Envelope)
			if err != nil {
				m.logger.Warn("inbound handler failed", "peer", frame.Envelope.From, "error", err)
				return
			}
			if response == nil {
				return
			}
			if err := conn.write(wsFrame{ID: uuid.NewString(), ReplyTo: frame.ID, Envelope: *response}); err != nil {
				m.logger.Warn("failed to write response frame", "peer", frame.Envelope.From, "error", err)
			}
		}(frame)
	}
}

// adoptConn registers an inbound connection under the sender identity
// carried by its first frame, so later sends reuse it.
func (m *WebsocketMessaging) adoptConn(conn *wsPeerConn, from string) {
	if from == "" || from == m.identifier {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if conn.identifier == "" {
		conn.identifier = from
	}
	if _, ok := m.conns[from]; !ok {
		m.conns[from] = conn
	}
}

func (m *WebsocketMessaging) dropConn(conn *wsPeerConn) {
	conn.close()
	if conn.identifier == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conns[conn.identifier] == conn {
		delete(m.conns, conn.identifier)
	}
}

// wsPeerConn is one websocket connection with a serialized write pump.
type wsPeerConn struct {
	identifier string
	ws         *websocket.Conn
	writeSink  chan wsFrame
	closeOnce  sync.Once
	closed     chan struct{}
}

func (c *wsPeerConn) write(frame wsFrame) error {
	select {
	case c.writeSink <- frame:
		return nil
	case <-c.closed:
		return fmt.Errorf("connection closed")
	case <-time.After(wsWriteTimeout):
		return fmt.Errorf("write buffer full")
	}
}

func (c *wsPeerConn) writePump() {
	for {
		select {
		case frame := <-c.writeSink:
			raw, err := json.Marshal(frame)
			if err != nil {
				continue
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, raw); err != nil {
				c.close()
				return
			}
		case <-c.closed:
			return
		}
	}
}

func (c *wsPeerConn) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.ws.Close()
	})
}
