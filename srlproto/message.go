// Package srlproto defines the messages exchanged between SRL peers and the
// controller, and their wire encoding.
package srlproto

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protowire"
)

type MessageType int32

const (
	TypeUnknown MessageType = iota
	TypePing
	TypePong
	TypeRegister
	TypeUnregister
	TypeRequest
	TypeResponse
	TypeDisconnect
	TypeError
	TypeAck
)

var typeNames = map[MessageType]string{
	TypeUnknown:    "UNKNOWN",
	TypePing:       "PING",
	TypePong:       "PONG",
	TypeRegister:   "REGISTER",
	TypeUnregister: "UNREGISTER",
	TypeRequest:    "REQUEST",
	TypeResponse:   "RESPONSE",
	TypeDisconnect: "DISCONNECT",
	TypeError:      "ERROR",
	TypeAck:        "ACK",
}

func (t MessageType) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("MessageType(%d)", int32(t))
}

// Field numbers of the Message wire encoding.
const (
	fieldType       protowire.Number = 1
	fieldID         protowire.Number = 2
	fieldService    protowire.Number = 3
	fieldReason     protowire.Number = 4
	fieldConnection protowire.Number = 5
	fieldPayload    protowire.Number = 6
)

var ErrMalformed = errors.New("srlproto: malformed message")

// Message is the single envelope used on every SRL connection.
// Connection carries the controller-assigned id of the originating (REQUEST)
// or destination (RESPONSE) connection.
type Message struct {
	Type       MessageType
	ID         string
	Service    string
	Reason     string
	Connection uint64
	Payload    []byte
}

// NewMessage returns a message of the given type with a fresh id.
func NewMessage(t MessageType) *Message {
	return &Message{Type: t, ID: uuid.NewString()}
}

// NewDisconnect builds the notice sent to a provider that is being removed.
func NewDisconnect(reason string) *Message {
	m := NewMessage(TypeDisconnect)
	m.Reason = reason
	return m
}

// NewError builds an error reply correlated to the message it answers.
func NewError(inReplyTo *Message, reason string) *Message {
	m := NewMessage(TypeError)
	m.Reason = reason
	if inReplyTo != nil {
		m.ID = inReplyTo.ID
		m.Service = inReplyTo.Service
		m.Connection = inReplyTo.Connection
	}
	return m
}

// NewAck acknowledges a REGISTER or UNREGISTER.
func NewAck(inReplyTo *Message) *Message {
	m := NewMessage(TypeAck)
	if inReplyTo != nil {
		m.ID = inReplyTo.ID
		m.Service = inReplyTo.Service
	}
	return m
}

// Marshal encodes m using the protobuf wire format. Zero fields are omitted.
func (m *Message) Marshal() []byte {
	var b []byte
	if m.Type != TypeUnknown {
		b = protowire.AppendTag(b, fieldType, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.Type))
	}
	b = appendString(b, fieldID, m.ID)
	b = appendString(b, fieldService, m.Service)
	b = appendString(b, fieldReason, m.Reason)
	if m.Connection != 0 {
		b = protowire.AppendTag(b, fieldConnection, protowire.VarintType)
		b = protowire.AppendVarint(b, m.Connection)
	}
	if len(m.Payload) > 0 {
		b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Payload)
	}
	return b
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

// Unmarshal decodes b into m. Unknown fields are skipped.
func (m *Message) Unmarshal(b []byte) error {
	*m = Message{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldType && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("%w: type: %v", ErrMalformed, protowire.ParseError(n))
			}
			m.Type = MessageType(v)
			b = b[n:]
		case num == fieldConnection && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("%w: connection: %v", ErrMalformed, protowire.ParseError(n))
			}
			m.Connection = v
			b = b[n:]
		case typ == protowire.BytesType && num >= fieldID && num <= fieldPayload:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(n))
			}
			switch num {
			case fieldID:
				m.ID = string(v)
			case fieldService:
				m.Service = string(v)
			case fieldReason:
				m.Reason = string(v)
			case fieldPayload:
				m.Payload = append([]byte(nil), v...)
			}
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return nil
}

func (m *Message) String() string {
	return fmt.Sprintf("%s id=%s service=%q conn=%d reason=%q payload=%dB",
		m.Type, m.ID, m.Service, m.Connection, m.Reason, len(m.Payload))
}
