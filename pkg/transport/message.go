// Package transport is the message boundary of the CMS core. The core only
// builds messages (header + typed body) and hands them to a Channel with a
// destination Address; socket and broker details stay behind the Channel.
package transport

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Address is a destination on the bus: a domain (access-controlled scope,
// e.g. "vire.cms.control") and a mailbox name within it.
type Address struct {
	Domain string
	Name   string
}

// String renders "domain/name".
func (a Address) String() string {
	return a.Domain + "/" + a.Name
}

// ParseAddress parses "domain/name". The name may itself contain slashes.
func ParseAddress(s string) (Address, error) {
	domain, name, ok := strings.Cut(s, "/")
	if !ok || domain == "" || name == "" {
		return Address{}, fmt.Errorf("invalid address %q: expected domain/name", s)
	}
	return Address{Domain: domain, Name: name}, nil
}

// Header identifies a message and its emitter.
type Header struct {
	MessageID    uuid.UUID `cbor:"1,keyasint" json:"message_id"`
	EmitterID    string    `cbor:"2,keyasint" json:"emitter_id"`
	Seq          uint64    `cbor:"3,keyasint" json:"seq"`
	Timestamp    time.Time `cbor:"4,keyasint" json:"timestamp"`
	BodyLayoutID string    `cbor:"5,keyasint" json:"body_layout_id"`

	// InReplyTo links a response to its request, when set.
	InReplyTo *uuid.UUID `cbor:"6,keyasint,omitempty" json:"in_reply_to,omitempty"`
}

// Body is a typed payload. Payload holds the CBOR encoding of the value so
// that a Message can cross any Channel unchanged.
type Body struct {
	TypeID  string `cbor:"1,keyasint" json:"type_id"`
	Payload []byte `cbor:"2,keyasint" json:"payload"`
}

// NewBody encodes v under typeID.
func NewBody(typeID string, v any) (Body, error) {
	payload, err := Marshal(v)
	if err != nil {
		return Body{}, fmt.Errorf("encode %s payload: %w", typeID, err)
	}
	return Body{TypeID: typeID, Payload: payload}, nil
}

// Decode decodes the payload into v.
func (b Body) Decode(v any) error {
	if err := Unmarshal(b.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", b.TypeID, err)
	}
	return nil
}

// Message is a header plus a body.
type Message struct {
	Header Header `cbor:"1,keyasint" json:"header"`
	Body   Body   `cbor:"2,keyasint" json:"body"`
}

// DefaultBodyLayout is the layout ID of bodies built by this package.
const DefaultBodyLayout = "vire::cms::message_body/1.0"

// Builder stamps messages with an emitter ID and a per-builder monotonic
// sequence number. It is safe for concurrent use.
type Builder struct {
	emitterID string
	layoutID  string
	seq       atomic.Uint64
	now       func() time.Time
}

// NewBuilder creates a Builder for emitterID.
func NewBuilder(emitterID string) *Builder {
	return &Builder{emitterID: emitterID, layoutID: DefaultBodyLayout, now: time.Now}
}

// EmitterID returns the emitter ID stamped on built messages.
func (b *Builder) EmitterID() string { return b.emitterID }

// Build encodes payload and returns a message with the next sequence number.
func (b *Builder) Build(typeID string, payload any) (Message, error) {
	body, err := NewBody(typeID, payload)
	if err != nil {
		return Message{}, err
	}
	return Message{
		Header: Header{
			MessageID:    uuid.New(),
			EmitterID:    b.emitterID,
			Seq:          b.seq.Add(1),
			Timestamp:    b.now().UTC(),
			BodyLayoutID: b.layoutID,
		},
		Body: body,
	}, nil
}

// BuildReply builds a message answering req.
func (b *Builder) BuildReply(req Message, typeID string, payload any) (Message, error) {
	msg, err := b.Build(typeID, payload)
	if err != nil {
		return Message{}, err
	}
	id := req.Header.MessageID
	msg.Header.InReplyTo = &id
	return msg, nil
}
