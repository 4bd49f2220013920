package gateway

import (
	"context"
	"encoding/json"
	"time"
)

// Long-polling sessions are ordinary connections with TransportPolling; the
// session id is the connection id. Each poll request counts as liveness, so
// a client that stops polling is failed by the heartbeat like a silent
// websocket peer.

const (
	maxPollBatch = 256

	// endedSessionTTL is how long a closed session id keeps answering
	// ErrConnectionClosed instead of ErrUnknownConnection.
	endedSessionTTL = 5 * time.Minute
)

// OpenPoll starts a polling session.
func (h *Hub) OpenPoll(remote string) (*Conn, error) {
	return h.Accept(TransportPolling, remote)
}

func (h *Hub) pollConn(sid string) (*Conn, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if c, ok := h.conns[sid]; ok && c.transport == TransportPolling {
		return c, nil
	}
	if at, ok := h.ended[sid]; ok && h.now().Sub(at) < endedSessionTTL {
		return nil, ErrConnectionClosed
	}
	return nil, ErrUnknownConnection
}

// rememberEndedLocked records a closed polling session and forgets the ones
// past endedSessionTTL. Caller holds h.mu.
func (h *Hub) rememberEndedLocked(sid string) {
	now := h.now()
	for id, at := range h.ended {
		if now.Sub(at) >= endedSessionTTL {
			delete(h.ended, id)
		}
	}
	h.ended[sid] = now
}

// Poll waits up to the configured poll wait for queued messages and returns
// them in order. An empty result means the wait elapsed with nothing to send.
func (h *Hub) Poll(ctx context.Context, sid string) ([]json.RawMessage, error) {
	c, err := h.pollConn(sid)
	if err != nil {
		return nil, err
	}
	c.touch()

	wait := time.NewTimer(h.cfg.PollWait)
	defer wait.Stop()

	var out []json.RawMessage
	select {
	case msg := <-c.send:
		out = append(out, msg)
	case <-wait.C:
		return []json.RawMessage{}, nil
	case <-ctx.Done():
		return []json.RawMessage{}, nil
	case <-c.done:
		return nil, ErrConnectionClosed
	}

	for len(out) < maxPollBatch {
		select {
		case msg := <-c.send:
			out = append(out, msg)
		default:
			c.touch()
			return out, nil
		}
	}
	c.touch()
	return out, nil
}

// PollSend handles client messages posted to a polling session.
func (h *Hub) PollSend(sid string, msgs []json.RawMessage) error {
	c, err := h.pollConn(sid)
	if err != nil {
		return err
	}
	c.inbound.Lock()
	defer c.inbound.Unlock()
	for _, m := range msgs {
		select {
		case <-c.done:
			return ErrConnectionClosed
		default:
		}
		h.handle(c, m)
	}
	return nil
}

// ClosePoll ends a polling session.
func (h *Hub) ClosePoll(sid string) error {
	c, err := h.pollConn(sid)
	if err != nil {
		return err
	}
	h.teardown(c, StateDisconnected, "client_close")
	return nil
}
