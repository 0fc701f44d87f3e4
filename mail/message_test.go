package mail

import (
	"bytes"
	"strings"
	"testing"
)

const sampleMessage = "From: Alice <alice@example.com>\r\n" +
	"To: announce@example.com\r\n" +
	"Subject: release 1.2\r\n" +
	"Message-Id: <abc123@mail.example.com>\r\n" +
	"\r\n" +
	"The release is out.\r\n"

func TestParseRoundTrip(t *testing.T) {
	msg, err := Parse([]byte(sampleMessage))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if msg.Subject() != "release 1.2" {
		t.Errorf("Subject() = %q", msg.Subject())
	}
	if msg.MessageID() != "abc123@mail.example.com" {
		t.Errorf("MessageID() = %q, want angle brackets stripped", msg.MessageID())
	}
	if msg.From() != "alice@example.com" {
		t.Errorf("From() = %q, want bare lowercased address", msg.From())
	}
	if string(msg.Body()) != "The release is out.\r\n" {
		t.Errorf("Body() = %q", msg.Body())
	}

	raw, err := msg.Bytes()
	if err != nil {
		t.Fatalf("Bytes failed: %v", err)
	}
	if !bytes.HasSuffix(raw, []byte("The release is out.\r\n")) {
		t.Error("Body not preserved in serialization")
	}
	if msg.Size() != int64(len(raw)) {
		t.Errorf("Size() = %d, want %d", msg.Size(), len(raw))
	}
}

func TestHeaderMutationSurvivesSerialization(t *testing.T) {
	msg, err := Parse([]byte(sampleMessage))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	msg.Header.Set("Subject", "[announce] release 1.2")
	msg.Header.Add("X-Beenthere", "announce@example.com")
	msg.Header.Del("Message-Id")

	raw, err := msg.Bytes()
	if err != nil {
		t.Fatalf("Bytes failed: %v", err)
	}
	reparsed, err := Parse(raw)
	if err != nil {
		t.Fatalf("Reparse failed: %v", err)
	}
	if reparsed.Subject() != "[announce] release 1.2" {
		t.Errorf("Subject mutation lost: %q", reparsed.Subject())
	}
	if reparsed.Header.Get("X-Beenthere") != "announce@example.com" {
		t.Error("Added header lost")
	}
	if reparsed.MessageID() != "" {
		t.Errorf("Deleted header survived: %q", reparsed.MessageID())
	}
	// The body must be byte-identical after header surgery.
	if string(reparsed.Body()) != "The release is out.\r\n" {
		t.Errorf("Body changed: %q", reparsed.Body())
	}
}

func TestParseMalformed(t *testing.T) {
	if _, err := Parse([]byte("this is not a header\r\nno colon anywhere\r\n\r\n")); err == nil {
		t.Error("Expected error for malformed header block")
	}
}

func TestParseHeaderOnly(t *testing.T) {
	msg, err := Parse([]byte("Subject: just headers\r\n\r\n"))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(msg.Body()) != 0 {
		t.Errorf("Expected empty body, got %q", msg.Body())
	}
}

func TestFromFallsBackToRawField(t *testing.T) {
	msg, err := Parse([]byte("From: Not An Address\r\n\r\n"))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if msg.From() != "not an address" {
		t.Errorf("From() = %q", msg.From())
	}
}

func TestContentHash(t *testing.T) {
	msg, err := Parse([]byte(sampleMessage))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	h1, err := msg.ContentHash()
	if err != nil {
		t.Fatalf("ContentHash failed: %v", err)
	}
	if len(h1) != 64 || strings.ToLower(h1) != h1 {
		t.Errorf("Expected 64 lowercase hex chars, got %q", h1)
	}

	raw, _ := msg.Bytes()
	if h1 != HashBytes(raw) {
		t.Error("ContentHash disagrees with HashBytes over the same bytes")
	}

	msg.Header.Set("Subject", "changed")
	h2, err := msg.ContentHash()
	if err != nil {
		t.Fatalf("ContentHash failed: %v", err)
	}
	if h1 == h2 {
		t.Error("Hash unchanged after header mutation")
	}
}
