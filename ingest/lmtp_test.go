package ingest

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/emersion/go-smtp"

	"github.com/migadu/herald/config"
	"github.com/migadu/herald/consts"
	"github.com/migadu/herald/lists"
	"github.com/migadu/herald/mail"
	"github.com/migadu/herald/queue"
)

type fakeNotifier struct {
	calls int
}

func (f *fakeNotifier) Notify() { f.calls++ }

type ingestFixture struct {
	store    *queue.Store
	notifier *fakeNotifier
	session  *session
}

func newIngestFixture(t *testing.T) *ingestFixture {
	t.Helper()

	store, err := queue.NewStore(filepath.Join(t.TempDir(), "queues"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	registry, err := lists.NewRegistry([]config.ListConfig{
		{Name: "announce", Address: "announce@example.com"},
		{Name: "dev", Address: "dev@example.com"},
	})
	if err != nil {
		t.Fatalf("Failed to build registry: %v", err)
	}

	notifier := &fakeNotifier{}
	server := NewServer(config.LMTPConfig{Addr: ":0"}, store,
		func() *lists.Registry { return registry }, notifier)

	sess, err := server.NewSession(nil)
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	return &ingestFixture{
		store:    store,
		notifier: notifier,
		session:  sess.(*session),
	}
}

func smtpCode(t *testing.T, err error) int {
	t.Helper()
	var smtpErr *smtp.SMTPError
	if !errors.As(err, &smtpErr) {
		t.Fatalf("Expected an SMTP error, got %v", err)
	}
	return smtpErr.Code
}

func TestMailCanonicalizesSender(t *testing.T) {
	f := newIngestFixture(t)
	if err := f.session.Mail("Bob Example <Bob@Example.COM>", nil); err != nil {
		t.Fatalf("Mail failed: %v", err)
	}
	if f.session.from != "bob@example.com" {
		t.Errorf("Sender = %q", f.session.from)
	}
}

func TestRcptResolvesLists(t *testing.T) {
	f := newIngestFixture(t)
	if err := f.session.Rcpt("Announce@Example.com", nil); err != nil {
		t.Fatalf("Rcpt failed: %v", err)
	}
	if len(f.session.lists) != 1 || f.session.lists[0].Name != "announce" {
		t.Errorf("Session lists = %v", f.session.lists)
	}
}

func TestRcptRefusesUnknownRecipient(t *testing.T) {
	f := newIngestFixture(t)
	err := f.session.Rcpt("nobody@example.com", nil)
	if code := smtpCode(t, err); code != 550 {
		t.Errorf("Code = %d, want 550", code)
	}
	if len(f.session.lists) != 0 {
		t.Error("Unknown recipient was recorded")
	}
}

func TestDataWithoutRecipients(t *testing.T) {
	f := newIngestFixture(t)
	err := f.session.Data(strings.NewReader("Subject: hi\r\n\r\nhi\r\n"))
	if code := smtpCode(t, err); code != 503 {
		t.Errorf("Code = %d, want 503", code)
	}
}

func TestDataRefusesMalformedMessage(t *testing.T) {
	f := newIngestFixture(t)
	if err := f.session.Rcpt("announce@example.com", nil); err != nil {
		t.Fatalf("Rcpt failed: %v", err)
	}
	err := f.session.Data(strings.NewReader("this line is not a header\r\n\r\n"))
	if code := smtpCode(t, err); code != 554 {
		t.Errorf("Code = %d, want 554", code)
	}
}

func TestDataEnqueuesPerList(t *testing.T) {
	f := newIngestFixture(t)
	if err := f.session.Mail("bob@example.com", nil); err != nil {
		t.Fatalf("Mail failed: %v", err)
	}
	for _, rcpt := range []string{"announce@example.com", "dev@example.com"} {
		if err := f.session.Rcpt(rcpt, nil); err != nil {
			t.Fatalf("Rcpt %s failed: %v", rcpt, err)
		}
	}

	raw := "From: bob@example.com\r\nSubject: crosspost\r\n\r\nhello\r\n"
	if err := f.session.Data(strings.NewReader(raw)); err != nil {
		t.Fatalf("Data failed: %v", err)
	}

	ids, err := f.store.ListReady(consts.QueueIncoming, 0, 1)
	if err != nil {
		t.Fatalf("ListReady failed: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("Incoming has %d entries, want one per list", len(ids))
	}

	seen := make(map[string]bool)
	for _, id := range ids {
		msg, meta, err := f.store.Dequeue(consts.QueueIncoming, id)
		if err != nil {
			t.Fatalf("Dequeue failed: %v", err)
		}
		seen[meta.List()] = true
		if got := meta.GetString(mail.KeySender); got != "bob@example.com" {
			t.Errorf("Sender = %q", got)
		}
		if msg.Subject() != "crosspost" {
			t.Errorf("Subject = %q", msg.Subject())
		}
	}
	if !seen["announce"] || !seen["dev"] {
		t.Errorf("Lists enqueued: %v", seen)
	}
	if f.notifier.calls != 1 {
		t.Errorf("Notify called %d times, want 1", f.notifier.calls)
	}
}

func TestResetClearsSession(t *testing.T) {
	f := newIngestFixture(t)
	if err := f.session.Mail("bob@example.com", nil); err != nil {
		t.Fatalf("Mail failed: %v", err)
	}
	if err := f.session.Rcpt("announce@example.com", nil); err != nil {
		t.Fatalf("Rcpt failed: %v", err)
	}

	f.session.Reset()
	if f.session.from != "" || f.session.lists != nil {
		t.Error("Reset left session state behind")
	}
}
