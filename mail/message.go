// Package mail defines the message and metadata types that flow through
// the queues.
//
// A Message is an RFC 5322 header plus an opaque body. Handlers mutate
// headers; the engine never interprets the body beyond hashing it and,
// in the digest runner, rendering it for the plain-text digest. All
// processing state lives in the sidecar Metadata, never in the message.
package mail

import (
	"bufio"
	"bytes"
	"fmt"
	"strings"

	"github.com/emersion/go-message/textproto"
	"lukechampine.com/blake3"

	"github.com/migadu/herald/consts"
	"github.com/migadu/herald/helpers"
)

// Message is a parsed email: a mutable header block and the raw body
// bytes that followed it. Re-serialization preserves the body verbatim.
type Message struct {
	Header textproto.Header
	body   []byte
}

// Parse reads a raw RFC 5322 message.
func Parse(raw []byte) (*Message, error) {
	br := bufio.NewReader(bytes.NewReader(raw))
	hdr, err := textproto.ReadHeader(br)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", consts.ErrMalformedMessage, err)
	}
	body := new(bytes.Buffer)
	if _, err := body.ReadFrom(br); err != nil {
		return nil, fmt.Errorf("%w: %v", consts.ErrMalformedMessage, err)
	}
	return &Message{Header: hdr, body: body.Bytes()}, nil
}

// Body returns the raw body bytes.
func (m *Message) Body() []byte {
	return m.body
}

// Bytes serializes the message with its current (possibly mutated)
// header block.
func (m *Message) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	if err := textproto.WriteHeader(&buf, m.Header); err != nil {
		return nil, fmt.Errorf("%w: %v", consts.ErrSerializationFailed, err)
	}
	buf.Write(m.body)
	return buf.Bytes(), nil
}

// Size returns the serialized size in bytes.
func (m *Message) Size() int64 {
	raw, err := m.Bytes()
	if err != nil {
		return 0
	}
	return int64(len(raw))
}

// Subject returns the Subject header value, unfolded.
func (m *Message) Subject() string {
	return strings.TrimSpace(m.Header.Get("Subject"))
}

// MessageID returns the Message-ID header value with angle brackets
// stripped, or "" if absent.
func (m *Message) MessageID() string {
	id := strings.TrimSpace(m.Header.Get("Message-Id"))
	id = strings.TrimPrefix(id, "<")
	id = strings.TrimSuffix(id, ">")
	return id
}

// From returns the canonicalized From header address.
func (m *Message) From() string {
	return helpers.CanonicalAddress(m.Header.Get("From"))
}

// ContentHash returns the BLAKE3 hex digest of the serialized message.
// Used for queue record checksums and archive content addressing.
func (m *Message) ContentHash() (string, error) {
	raw, err := m.Bytes()
	if err != nil {
		return "", err
	}
	return HashBytes(raw), nil
}

// HashBytes returns the BLAKE3 hex digest of raw bytes.
func HashBytes(raw []byte) string {
	sum := blake3.Sum256(raw)
	return fmt.Sprintf("%x", sum[:])
}
