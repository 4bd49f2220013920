package gateway

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"cryptodesk/pkg/protocol"
)

// PriceStream serves the dedicated point-to-point price feed. Peers do not
// subscribe or authenticate: every peer gets every price update, the current
// feed status and a keep_alive on a fixed interval, which the client answers
// with ping.
type PriceStream struct {
	hub *Hub
	log *slog.Logger

	mu     sync.RWMutex
	peers  map[*streamPeer]struct{}
	status protocol.Status
	closed bool
}

type streamPeer struct {
	ws   *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func (p *streamPeer) close() {
	p.once.Do(func() { close(p.done) })
}

func newPriceStream(h *Hub) *PriceStream {
	return &PriceStream{
		hub:    h,
		log:    h.log.With("component", "price_stream"),
		peers:  make(map[*streamPeer]struct{}),
		status: protocol.Status{State: "starting"},
	}
}

// ServeHTTP upgrades the request and streams prices until the peer leaves.
func (s *PriceStream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.hub.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("price stream upgrade failed", "err", err)
		return
	}
	p := &streamPeer{
		ws:   ws,
		send: make(chan []byte, s.hub.cfg.SendBuffer),
		done: make(chan struct{}),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ws.Close()
		return
	}
	s.peers[p] = struct{}{}
	status := s.status
	n := len(s.peers)
	s.mu.Unlock()
	s.hub.metrics.SetStreamPeers(n)

	s.enqueue(p, protocol.MustEncode(protocol.Connection{Message: "price stream connected"}))
	s.enqueue(p, protocol.MustEncode(status))
	if snap, ok := s.snapshot(); ok {
		s.enqueue(p, protocol.MustEncode(snap))
	}

	go s.writeLoop(p)
	s.readLoop(p)
}

func (s *PriceStream) snapshot() (protocol.PriceUpdate, bool) {
	ticks := s.hub.cache.Snapshot()
	if len(ticks) == 0 {
		return protocol.PriceUpdate{}, false
	}
	u := protocol.PriceUpdate{Prices: make(map[string]string, len(ticks))}
	var latest time.Time
	for _, t := range ticks {
		u.Prices[t.Symbol] = t.Price.String()
		if t.ObservedAt.After(latest) {
			latest = t.ObservedAt
			u.Source = string(t.Source)
		}
	}
	u.Timestamp = latest.UnixMilli()
	return u, true
}

func (s *PriceStream) writeLoop(p *streamPeer) {
	keepAlive := time.NewTicker(s.hub.cfg.StreamKeepAlive)
	defer func() {
		keepAlive.Stop()
		p.ws.Close()
	}()
	ka := protocol.MustEncode(protocol.KeepAlive{})

	write := func(b []byte) bool {
		p.ws.SetWriteDeadline(time.Now().Add(writeWait))
		return p.ws.WriteMessage(websocket.TextMessage, b) == nil
	}
	for {
		select {
		case <-p.done:
			p.ws.SetWriteDeadline(time.Now().Add(writeWait))
			p.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case msg := <-p.send:
			if !write(msg) {
				s.remove(p)
				return
			}
		case <-keepAlive.C:
			if !write(ka) {
				s.remove(p)
				return
			}
		}
	}
}

func (s *PriceStream) readLoop(p *streamPeer) {
	defer s.remove(p)

	timeout := s.hub.cfg.PongTimeout
	p.ws.SetReadLimit(maxMessageSize)
	p.ws.SetReadDeadline(time.Now().Add(timeout))
	pong := protocol.MustEncode(protocol.Pong{})

	for {
		_, data, err := p.ws.ReadMessage()
		if err != nil {
			return
		}
		p.ws.SetReadDeadline(time.Now().Add(timeout))

		msg, err := protocol.DecodeStream(data)
		if err != nil {
			s.log.Debug("dropping malformed frame", "err", err)
			continue
		}
		switch m := msg.(type) {
		case protocol.Ping:
			s.enqueue(p, pong)
		case protocol.Unknown:
			s.log.Debug("ignoring unknown message type", "type", m.Type)
		default:
			s.log.Debug("ignoring server-only message from client", "type", m.MessageType())
		}
	}
}

// enqueue never blocks; a peer whose buffer is full is removed.
func (s *PriceStream) enqueue(p *streamPeer, b []byte) bool {
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.send <- b:
		return true
	default:
		s.hub.metrics.SendDropped()
		s.remove(p)
		return false
	}
}

func (s *PriceStream) remove(p *streamPeer) {
	s.mu.Lock()
	_, ok := s.peers[p]
	delete(s.peers, p)
	n := len(s.peers)
	s.mu.Unlock()
	p.close()
	if ok {
		s.hub.metrics.SetStreamPeers(n)
	}
}

// Publish sends a price update to every peer.
func (s *PriceStream) Publish(u protocol.PriceUpdate) {
	s.broadcast(protocol.MustEncode(u))
}

// SetStatus records the feed status and pushes it to peers when it changes.
func (s *PriceStream) SetStatus(st protocol.Status) {
	s.mu.Lock()
	changed := s.status != st
	s.status = st
	s.mu.Unlock()
	if changed {
		s.broadcast(protocol.MustEncode(st))
	}
}

// Status returns the last recorded feed status.
func (s *PriceStream) Status() protocol.Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

func (s *PriceStream) broadcast(b []byte) {
	s.mu.RLock()
	peers := make([]*streamPeer, 0, len(s.peers))
	for p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.RUnlock()
	for _, p := range peers {
		s.enqueue(p, b)
	}
}

func (s *PriceStream) PeerCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.peers)
}

// Close disconnects every peer and rejects new ones.
func (s *PriceStream) Close() {
	s.mu.Lock()
	s.closed = true
	peers := s.peers
	s.peers = make(map[*streamPeer]struct{})
	s.mu.Unlock()
	for p := range peers {
		p.close()
	}
	s.hub.metrics.SetStreamPeers(0)
}
