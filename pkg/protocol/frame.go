// Package protocol defines the channel frame exchanged between relays and
// the channel server, and its protobuf wire encoding.
package protocol

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Channel events.
const (
	EventJoin       = "phx_join"
	EventLeave      = "phx_leave"
	EventReply      = "phx_reply"
	EventError      = "phx_error"
	EventClose      = "phx_close"
	EventHeartbeat  = "heartbeat"
	EventNewMessage = "new_message"
)

// TopicPhoenix is the reserved topic carrying socket-level heartbeats.
const TopicPhoenix = "phoenix"

// Reply statuses.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Frame field numbers, see proto/frame.proto.
const (
	fieldJoinRef protowire.Number = 1
	fieldRef     protowire.Number = 2
	fieldTopic   protowire.Number = 3
	fieldEvent   protowire.Number = 4
	fieldPayload protowire.Number = 5
)

// Payload field numbers.
const (
	fieldName    protowire.Number = 1
	fieldMessage protowire.Number = 2
	fieldStatus  protowire.Number = 3
	fieldReason  protowire.Number = 4
)

// ErrMissingEvent is returned when a decoded frame carries no event name.
var ErrMissingEvent = errors.New("frame has no event")

// Payload is the body of a frame. Chat events use Name and Message,
// replies use Status and Reason.
type Payload struct {
	Name    string
	Message string
	Status  string
	Reason  string
}

// Frame is one channel event on the wire.
type Frame struct {
	JoinRef string
	Ref     string
	Topic   string
	Event   string
	Payload Payload
}

// Reply builds the phx_reply answering f.
func (f Frame) Reply(status, reason string) Frame {
	return Frame{
		JoinRef: f.JoinRef,
		Ref:     f.Ref,
		Topic:   f.Topic,
		Event:   EventReply,
		Payload: Payload{Status: status, Reason: reason},
	}
}

// OK reports whether f is a successful reply.
func (f Frame) OK() bool {
	return f.Event == EventReply && f.Payload.Status == StatusOK
}

// Encode encodes the frame into bytes using the protobuf wire format.
func (f Frame) Encode() ([]byte, error) {
	if f.Event == "" {
		return nil, fmt.Errorf("failed to encode frame: %w", ErrMissingEvent)
	}
	var b []byte
	b = appendString(b, fieldJoinRef, f.JoinRef)
	b = appendString(b, fieldRef, f.Ref)
	b = appendString(b, fieldTopic, f.Topic)
	b = appendString(b, fieldEvent, f.Event)
	if payload := f.Payload.encode(); len(payload) > 0 {
		b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, payload)
	}
	return b, nil
}

// Decode decodes bytes into the frame. Unknown fields are skipped.
func (f *Frame) Decode(data []byte) error {
	var out Frame
	err := walk(data, func(num protowire.Number, v []byte) {
		switch num {
		case fieldJoinRef:
			out.JoinRef = string(v)
		case fieldRef:
			out.Ref = string(v)
		case fieldTopic:
			out.Topic = string(v)
		case fieldEvent:
			out.Event = string(v)
		}
	}, func(num protowire.Number, v []byte) error {
		if num != fieldPayload {
			return nil
		}
		return out.Payload.decode(v)
	})
	if err != nil {
		return fmt.Errorf("failed to decode frame: %w", err)
	}
	if out.Event == "" {
		return fmt.Errorf("failed to decode frame: %w", ErrMissingEvent)
	}
	*f = out
	return nil
}

func (p Payload) encode() []byte {
	var b []byte
	b = appendString(b, fieldName, p.Name)
	b = appendString(b, fieldMessage, p.Message)
	b = appendString(b, fieldStatus, p.Status)
	b = appendString(b, fieldReason, p.Reason)
	return b
}

func (p *Payload) decode(data []byte) error {
	return walk(data, func(num protowire.Number, v []byte) {
		switch num {
		case fieldName:
			p.Name = string(v)
		case fieldMessage:
			p.Message = string(v)
		case fieldStatus:
			p.Status = string(v)
		case fieldReason:
			p.Reason = string(v)
		}
	}, nil)
}

// appendString omits empty strings, as proto3 does for default values.
func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

// walk iterates over the length-delimited fields of a message. Scalar
// string fields go to str; nested messages are offered to msg as well.
// Fields of any other wire type are skipped.
func walk(data []byte, str func(protowire.Number, []byte), msg func(protowire.Number, []byte) error) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]

		if typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			data = data[n:]
			continue
		}

		v, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]

		str(num, v)
		if msg != nil {
			if err := msg(num, v); err != nil {
				return err
			}
		}
	}
	return nil
}
