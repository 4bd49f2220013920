package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Transport kinds.
const (
	KindWebSocket = "websocket"
	KindPolling   = "polling"
)

// ErrSessionGone is returned by a polling transport whose server session no
// longer exists.
var ErrSessionGone = errors.New("realtime: polling session gone")

// Transport is one established link to the gateway. Recv blocks until at
// least one frame arrives, the link fails, or ctx is done. Close unblocks a
// pending Recv.
type Transport interface {
	Kind() string
	Send(ctx context.Context, frame []byte) error
	Recv(ctx context.Context) ([][]byte, error)
	Close() error
}

// Dialer establishes a Transport.
type Dialer interface {
	Dial(ctx context.Context) (Transport, error)
}

// WSDialer connects to the gateway's websocket endpoint, e.g.
// "ws://host:8080/rt/ws".
type WSDialer struct {
	URL    string
	Header http.Header
	Dialer *websocket.Dialer

	// ReadTimeout fails the link when no frame arrives for this long. The
	// gateway pings every 25s, so the default of 75s tolerates two misses.
	ReadTimeout time.Duration
}

func (d WSDialer) Dial(ctx context.Context) (Transport, error) {
	wd := d.Dialer
	if wd == nil {
		wd = websocket.DefaultDialer
	}
	conn, resp, err := wd.DialContext(ctx, d.URL, d.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial %s: %s: %w", d.URL, resp.Status, err)
		}
		return nil, fmt.Errorf("websocket dial %s: %w", d.URL, err)
	}
	conn.SetReadLimit(1 << 20)
	rt := d.ReadTimeout
	if rt == 0 {
		rt = 75 * time.Second
	}
	t := &wsTransport{conn: conn, readTimeout: rt}
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(rt))
		t.wmu.Lock()
		defer t.wmu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})
	return t, nil
}

type wsTransport struct {
	conn        *websocket.Conn
	readTimeout time.Duration

	wmu       sync.Mutex
	closeOnce sync.Once
}

func (t *wsTransport) Kind() string { return KindWebSocket }

func (t *wsTransport) Send(_ context.Context, frame []byte) error {
	t.wmu.Lock()
	defer t.wmu.Unlock()
	t.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return t.conn.WriteMessage(websocket.TextMessage, frame)
}

// Recv returns the frames of one websocket message. The gateway coalesces
// queued messages into one text frame, newline separated.
func (t *wsTransport) Recv(_ context.Context) ([][]byte, error) {
	for {
		t.conn.SetReadDeadline(time.Now().Add(t.readTimeout))
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		var out [][]byte
		for _, part := range bytes.Split(data, []byte{'\n'}) {
			if len(bytes.TrimSpace(part)) > 0 {
				out = append(out, part)
			}
		}
		if len(out) > 0 {
			return out, nil
		}
	}
}

func (t *wsTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.wmu.Lock()
		t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		t.wmu.Unlock()
		err = t.conn.Close()
	})
	return err
}

// PollDialer opens a long-polling session against BaseURL, e.g.
// "http://host:8080/rt/poll".
type PollDialer struct {
	BaseURL string
	Client  *http.Client
}

func (d PollDialer) Dial(ctx context.Context) (Transport, error) {
	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}
	base := strings.TrimRight(d.BaseURL, "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("open poll session: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("open poll session: %s", resp.Status)
	}
	var body struct {
		SID string `json:"sid"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.SID == "" {
		return nil, fmt.Errorf("open poll session: bad response: %v", err)
	}
	pctx, cancel := context.WithCancel(context.Background())
	return &pollTransport{
		client: client,
		url:    base + "/" + url.PathEscape(body.SID),
		ctx:    pctx,
		cancel: cancel,
	}, nil
}

type pollTransport struct {
	client *http.Client
	url    string

	// ctx is cancelled by Close to abort an outstanding long poll.
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func (t *pollTransport) Kind() string { return KindPolling }

func (t *pollTransport) Send(ctx context.Context, frame []byte) error {
	body := make([]byte, 0, len(frame)+2)
	body = append(body, '[')
	body = append(body, frame...)
	body = append(body, ']')

	ctx, stop := mergeCancel(ctx, t.ctx)
	defer stop()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return statusErr(resp)
}

func (t *pollTransport) Recv(ctx context.Context) ([][]byte, error) {
	for {
		ctx, stop := mergeCancel(ctx, t.ctx)
		frames, err := t.pollOnce(ctx)
		stop()
		if err != nil || len(frames) > 0 {
			return frames, err
		}
	}
}

func (t *pollTransport) pollOnce(ctx context.Context) ([][]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := statusErr(resp); err != nil {
		return nil, err
	}
	var raw []json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("poll: decode: %w", err)
	}
	out := make([][]byte, len(raw))
	for i, r := range raw {
		out[i] = r
	}
	return out, nil
}

func (t *pollTransport) Close() error {
	t.closeOnce.Do(func() {
		t.cancel()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		req, err := http.NewRequestWithContext(ctx, http.MethodDelete, t.url, nil)
		if err != nil {
			return
		}
		if resp, err := t.client.Do(req); err == nil {
			resp.Body.Close()
		}
	})
	return nil
}

func statusErr(resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusGone:
		return ErrSessionGone
	case resp.StatusCode >= 300:
		return fmt.Errorf("poll: %s", resp.Status)
	}
	return nil
}

// mergeCancel returns a context cancelled when either parent is done.
func mergeCancel(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(a)
	stop := context.AfterFunc(b, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
