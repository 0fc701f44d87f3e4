package chain

import (
	"context"
	"strings"
	"time"

	"github.com/foxcpp/go-sieve"
	"github.com/foxcpp/go-sieve/interp"

	"github.com/migadu/herald/lists"
	"github.com/migadu/herald/mail"
)

// sieveGateRule runs a list's moderation Sieve script against the
// message. The rule hits when the script discards the message (no keep,
// explicit or implicit); the link's action then decides what a script
// discard means for this list. Lists without a script always miss.
type sieveGateRule struct{}

func (*sieveGateRule) Name() string { return RuleSieveGate }

func (*sieveGateRule) Check(ctx context.Context, msg *mail.Message, meta mail.Metadata, list *lists.List) (bool, error) {
	if strings.TrimSpace(list.SieveScript) == "" {
		return false, nil
	}

	script, err := sieve.Load(strings.NewReader(list.SieveScript), sieve.DefaultOptions())
	if err != nil {
		return false, err
	}

	envelope := &sieveEnvelope{from: senderOf(msg, meta), to: list.Address}
	message := newSieveMessage(msg)
	data := sieve.NewRuntimeData(script, &sievePolicy{}, envelope, message)
	if err := script.Execute(ctx, data); err != nil {
		return false, err
	}

	if !data.Keep && !data.ImplicitKeep {
		meta.AppendString("annotations", "sieve gate discarded message")
		return true, nil
	}
	return false, nil
}

type sieveEnvelope struct {
	from string
	to   string
}

func (e *sieveEnvelope) EnvelopeFrom() string { return e.from }
func (e *sieveEnvelope) EnvelopeTo() string   { return e.to }
func (e *sieveEnvelope) AuthUsername() string { return "" }

type sieveMessage struct {
	headers map[string][]string
	size    int
}

func newSieveMessage(msg *mail.Message) *sieveMessage {
	headers := make(map[string][]string)
	fields := msg.Header.Fields()
	for fields.Next() {
		k := strings.ToLower(fields.Key())
		headers[k] = append(headers[k], fields.Value())
	}
	return &sieveMessage{headers: headers, size: int(msg.Size())}
}

func (m *sieveMessage) HeaderGet(key string) ([]string, error) {
	return m.headers[strings.ToLower(key)], nil
}

func (m *sieveMessage) MessageSize() int { return m.size }

// sievePolicy is the minimal PolicyReader the gate needs: moderation
// scripts decide keep-versus-discard, they do not redirect or respond.
type sievePolicy struct{}

func (*sievePolicy) RedirectAllowed(ctx context.Context, d *interp.RuntimeData, addr string) (bool, error) {
	return false, nil
}

func (*sievePolicy) VacationResponseAllowed(ctx context.Context, d *interp.RuntimeData, originalSender, handle string, duration time.Duration) (bool, error) {
	return false, nil
}

func (*sievePolicy) SendVacationResponse(ctx context.Context, d *interp.RuntimeData, recipient, from, subject, body string, isMime bool) error {
	return nil
}
