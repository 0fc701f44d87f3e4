package chain

import (
	"context"
	"fmt"
	"strings"

	"github.com/migadu/herald/lists"
	"github.com/migadu/herald/mail"
)

// Built-in rule names.
const (
	RuleTruth         = "truth"
	RuleEmergency     = "emergency"
	RuleLoop          = "loop"
	RuleMaxSize       = "max-size"
	RuleNoSubject     = "no-subject"
	RuleBannedAddress = "banned-address"
	RuleSuspicious    = "suspicious"
	RuleSieveGate     = "sieve-gate"
)

// DefaultRules returns the built-in rule set for registry assembly.
func DefaultRules() []Rule {
	return []Rule{
		truthRule{},
		emergencyRule{},
		loopRule{},
		maxSizeRule{},
		noSubjectRule{},
		bannedAddressRule{},
		suspiciousRule{},
		&sieveGateRule{},
	}
}

// senderOf prefers the envelope sender recorded at ingestion over the
// From header, which is trivially forged.
func senderOf(msg *mail.Message, meta mail.Metadata) string {
	if s := meta.GetString(mail.KeySender); s != "" {
		return s
	}
	return msg.From()
}

// truthRule always hits. Useful as an explicit terminal link in custom
// chains.
type truthRule struct{}

func (truthRule) Name() string { return RuleTruth }

func (truthRule) Check(ctx context.Context, msg *mail.Message, meta mail.Metadata, list *lists.List) (bool, error) {
	return true, nil
}

// emergencyRule hits when the list is under emergency moderation:
// everything gets held until a moderator looks at it.
type emergencyRule struct{}

func (emergencyRule) Name() string { return RuleEmergency }

func (emergencyRule) Check(ctx context.Context, msg *mail.Message, meta mail.Metadata, list *lists.List) (bool, error) {
	if !list.Emergency {
		return false, nil
	}
	meta[mail.KeyHoldReason] = "emergency moderation in effect"
	return true, nil
}

// loopRule detects messages that already passed through this list: the
// X-BeenThere header carries the posting address of every list a
// message traversed.
type loopRule struct{}

func (loopRule) Name() string { return RuleLoop }

func (loopRule) Check(ctx context.Context, msg *mail.Message, meta mail.Metadata, list *lists.List) (bool, error) {
	fields := msg.Header.FieldsByKey("X-Beenthere")
	for fields.Next() {
		if strings.EqualFold(strings.TrimSpace(fields.Value()), list.Address) {
			return true, nil
		}
	}
	return false, nil
}

// maxSizeRule hits when the message exceeds the list's size cap.
type maxSizeRule struct{}

func (maxSizeRule) Name() string { return RuleMaxSize }

func (maxSizeRule) Check(ctx context.Context, msg *mail.Message, meta mail.Metadata, list *lists.List) (bool, error) {
	if list.MaxMessageSize <= 0 {
		return false, nil
	}
	size := msg.Size()
	if size <= list.MaxMessageSize {
		return false, nil
	}
	meta[mail.KeyHoldReason] = fmt.Sprintf("message size %d exceeds limit %d", size, list.MaxMessageSize)
	return true, nil
}

// noSubjectRule annotates messages posted without a subject. Typically
// linked with the defer action.
type noSubjectRule struct{}

func (noSubjectRule) Name() string { return RuleNoSubject }

func (noSubjectRule) Check(ctx context.Context, msg *mail.Message, meta mail.Metadata, list *lists.List) (bool, error) {
	if msg.Subject() != "" {
		return false, nil
	}
	meta.AppendString("annotations", "message has no subject")
	return true, nil
}

// bannedAddressRule hits when the sender is on the list's banned set.
type bannedAddressRule struct{}

func (bannedAddressRule) Name() string { return RuleBannedAddress }

func (bannedAddressRule) Check(ctx context.Context, msg *mail.Message, meta mail.Metadata, list *lists.List) (bool, error) {
	return list.IsBanned(senderOf(msg, meta)), nil
}

// suspiciousRule hits when the sender matches the list's configured
// suspicious pattern.
type suspiciousRule struct{}

func (suspiciousRule) Name() string { return RuleSuspicious }

func (suspiciousRule) Check(ctx context.Context, msg *mail.Message, meta mail.Metadata, list *lists.List) (bool, error) {
	if list.Suspicious == nil {
		return false, nil
	}
	sender := senderOf(msg, meta)
	if !list.Suspicious.MatchString(sender) {
		return false, nil
	}
	meta[mail.KeyHoldReason] = fmt.Sprintf("sender %s matches suspicious pattern", sender)
	return true, nil
}
