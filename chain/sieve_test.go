package chain

import (
	"context"
	"testing"

	"github.com/migadu/herald/mail"
)

func TestSieveGateNoScript(t *testing.T) {
	rule := &sieveGateRule{}
	list := testList()
	list.SieveScript = "   "

	hit, err := rule.Check(context.Background(), parseMsg(t, "Subject: x\r\n\r\n"), mail.Metadata{}, list)
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if hit {
		t.Error("Gate must miss when the list has no script")
	}
}

func TestSieveGateDiscard(t *testing.T) {
	rule := &sieveGateRule{}
	list := testList()
	list.SieveScript = `discard;`

	meta := mail.Metadata{}
	hit, err := rule.Check(context.Background(), parseMsg(t, "Subject: x\r\n\r\n"), meta, list)
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if !hit {
		t.Error("Gate must hit when the script discards")
	}
	if !meta.ContainsString("annotations", "sieve gate discarded message") {
		t.Error("Gate must annotate the discard")
	}
}

func TestSieveGateKeep(t *testing.T) {
	rule := &sieveGateRule{}
	list := testList()
	list.SieveScript = `keep;`

	hit, err := rule.Check(context.Background(), parseMsg(t, "Subject: x\r\n\r\n"), mail.Metadata{}, list)
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if hit {
		t.Error("Gate must miss when the script keeps")
	}
}

func TestSieveGateHeaderTest(t *testing.T) {
	rule := &sieveGateRule{}
	list := testList()
	list.SieveScript = `if header :contains "Subject" "lottery" { discard; }`

	spam := parseMsg(t, "Subject: you won the lottery\r\n\r\n")
	hit, err := rule.Check(context.Background(), spam, mail.Metadata{}, list)
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if !hit {
		t.Error("Gate must hit on a matching header test")
	}

	ham := parseMsg(t, "Subject: weekly report\r\n\r\n")
	hit, err = rule.Check(context.Background(), ham, mail.Metadata{}, list)
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if hit {
		t.Error("Gate must miss on a non-matching header test")
	}
}

func TestSieveGateBadScript(t *testing.T) {
	rule := &sieveGateRule{}
	list := testList()
	list.SieveScript = `this is not sieve`

	if _, err := rule.Check(context.Background(), parseMsg(t, "Subject: x\r\n\r\n"), mail.Metadata{}, list); err == nil {
		t.Error("Expected error for an unparseable script")
	}
}
