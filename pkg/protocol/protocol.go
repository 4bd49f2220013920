// Package protocol defines the JSON messages exchanged on the multiplexed
// real-time connection and on the dedicated price stream.
//
// Every frame is a JSON object with a "type" discriminator. Decode and
// DecodeStream map a frame onto exactly one concrete Go type; a type that
// is not part of the protocol decodes to Unknown so the caller can log and
// drop it.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Type is the wire discriminator.
type Type string

const (
	TypeAuthenticate  Type = "authenticate"
	TypeAuthenticated Type = "authenticated"
	TypeAuthError     Type = "auth_error"
	TypeSubscribe     Type = "subscribe"
	TypeUnsubscribe   Type = "unsubscribe"
	TypeSubscribed    Type = "subscribed"
	TypeUnsubscribed  Type = "unsubscribed"
	TypePriceUpdate   Type = "price_update"
	TypeNotification  Type = "notification"
	TypeOrderUpdate   Type = "order_update"
	TypePing          Type = "ping"
	TypePong          Type = "pong"
	TypeError         Type = "error"
	TypeConnected     Type = "connected"

	// Price stream only.
	TypeStatus     Type = "status"
	TypeConnection Type = "connection"
	TypeKeepAlive  Type = "keep_alive"
)

// Error codes carried by Error and AuthError.
const (
	CodeNotAuthenticated = "not_authenticated"
	CodeForbidden        = "forbidden"
	CodeBadRequest       = "bad_request"
	CodeRateLimited      = "rate_limited"
	CodeInvalidToken     = "invalid_token"
	CodeExpiredToken     = "expired_token"
	CodeUserMismatch     = "user_mismatch"
	CodeAuthUnavailable  = "auth_unavailable"
)

var (
	ErrMalformed   = errors.New("protocol: malformed frame")
	ErrMissingType = errors.New("protocol: missing type")
)

// Message is implemented by every protocol message.
type Message interface {
	MessageType() Type
}

type Authenticate struct {
	UserID string `json:"user_id"`
	Token  string `json:"token"`
}

type Authenticated struct {
	Success bool   `json:"success"`
	UserID  string `json:"user_id,omitempty"`
	Code    string `json:"code,omitempty"`
}

type AuthError struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

type Subscribe struct {
	Channels []string `json:"channels"`
}

type Unsubscribe struct {
	Channels []string `json:"channels"`
}

type Subscribed struct {
	Channels []string `json:"channels"`
}

type Unsubscribed struct {
	Channels []string `json:"channels"`
}

// PriceUpdate carries one or more symbol prices. Prices are decimal strings;
// Timestamp is unix milliseconds.
type PriceUpdate struct {
	Prices    map[string]string `json:"prices"`
	Source    string            `json:"source,omitempty"`
	Timestamp int64             `json:"timestamp"`
}

type Notification struct {
	UserID  string          `json:"user_id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type OrderUpdate struct {
	UserID  string          `json:"user_id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type Ping struct{}

type Pong struct{}

type Error struct {
	Code     string   `json:"code"`
	Message  string   `json:"message,omitempty"`
	Channels []string `json:"channels,omitempty"`
}

// Connected is the server's greeting on a new connection.
type Connected struct {
	ConnectionID string `json:"connection_id"`
	Transport    string `json:"transport"`
}

// Status reports the health of the upstream price feed.
type Status struct {
	State  string `json:"state"`
	Source string `json:"source,omitempty"`
}

// Connection is the price stream greeting.
type Connection struct {
	Message string `json:"message"`
}

type KeepAlive struct{}

// Unknown holds a frame whose type is not part of the protocol.
type Unknown struct {
	Type Type
	Raw  json.RawMessage
}

func (Authenticate) MessageType() Type  { return TypeAuthenticate }
func (Authenticated) MessageType() Type { return TypeAuthenticated }
func (AuthError) MessageType() Type     { return TypeAuthError }
func (Subscribe) MessageType() Type     { return TypeSubscribe }
func (Unsubscribe) MessageType() Type   { return TypeUnsubscribe }
func (Subscribed) MessageType() Type    { return TypeSubscribed }
func (Unsubscribed) MessageType() Type  { return TypeUnsubscribed }
func (PriceUpdate) MessageType() Type   { return TypePriceUpdate }
func (Notification) MessageType() Type  { return TypeNotification }
func (OrderUpdate) MessageType() Type   { return TypeOrderUpdate }
func (Ping) MessageType() Type          { return TypePing }
func (Pong) MessageType() Type          { return TypePong }
func (Error) MessageType() Type         { return TypeError }
func (Connected) MessageType() Type     { return TypeConnected }
func (Status) MessageType() Type        { return TypeStatus }
func (Connection) MessageType() Type    { return TypeConnection }
func (KeepAlive) MessageType() Type     { return TypeKeepAlive }
func (u Unknown) MessageType() Type     { return u.Type }

// Encode renders m as a JSON object with the type discriminator first.
func Encode(m Message) ([]byte, error) {
	if u, ok := m.(Unknown); ok {
		return u.Raw, nil
	}
	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.MessageType(), err)
	}
	var buf bytes.Buffer
	buf.Grow(len(body) + 24)
	buf.WriteString(`{"type":`)
	t, _ := json.Marshal(string(m.MessageType()))
	buf.Write(t)
	if len(body) > 2 {
		buf.WriteByte(',')
		buf.Write(body[1:])
	} else {
		buf.WriteByte('}')
	}
	return buf.Bytes(), nil
}

// MustEncode is Encode for messages built from static data.
func MustEncode(m Message) []byte {
	b, err := Encode(m)
	if err != nil {
		panic(err)
	}
	return b
}

type envelope struct {
	Type Type `json:"type"`
}

// Decode parses a frame of the multiplexed protocol.
func Decode(data []byte) (Message, error) {
	t, err := peekType(data)
	if err != nil {
		return nil, err
	}
	switch t {
	case TypeAuthenticate:
		return decodeAs[Authenticate](t, data)
	case TypeAuthenticated:
		return decodeAs[Authenticated](t, data)
	case TypeAuthError:
		return decodeAs[AuthError](t, data)
	case TypeSubscribe:
		return decodeAs[Subscribe](t, data)
	case TypeUnsubscribe:
		return decodeAs[Unsubscribe](t, data)
	case TypeSubscribed:
		return decodeAs[Subscribed](t, data)
	case TypeUnsubscribed:
		return decodeAs[Unsubscribed](t, data)
	case TypePriceUpdate:
		return decodeAs[PriceUpdate](t, data)
	case TypeNotification:
		return decodeAs[Notification](t, data)
	case TypeOrderUpdate:
		return decodeAs[OrderUpdate](t, data)
	case TypePing:
		return Ping{}, nil
	case TypePong:
		return Pong{}, nil
	case TypeError:
		return decodeAs[Error](t, data)
	case TypeConnected:
		return decodeAs[Connected](t, data)
	default:
		return Unknown{Type: t, Raw: append(json.RawMessage(nil), data...)}, nil
	}
}

// DecodeStream parses a frame of the price stream protocol.
func DecodeStream(data []byte) (Message, error) {
	t, err := peekType(data)
	if err != nil {
		return nil, err
	}
	switch t {
	case TypePriceUpdate:
		return decodeAs[PriceUpdate](t, data)
	case TypeStatus:
		return decodeAs[Status](t, data)
	case TypeConnection:
		return decodeAs[Connection](t, data)
	case TypePong:
		return Pong{}, nil
	case TypeKeepAlive:
		return KeepAlive{}, nil
	case TypePing:
		return Ping{}, nil
	default:
		return Unknown{Type: t, Raw: append(json.RawMessage(nil), data...)}, nil
	}
}

func peekType(data []byte) (Type, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type == "" {
		return "", ErrMissingType
	}
	return env.Type, nil
}

func decodeAs[T Message](t Type, data []byte) (Message, error) {
	var m T
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, t, err)
	}
	return m, nil
}
