package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/migadu/herald/consts"
	"github.com/migadu/herald/lists"
	"github.com/migadu/herald/mail"
)

// Handler names usable in per-list pipeline definitions.
const (
	HandlerModeration  = "moderation"
	HandlerCleanse     = "cleanse"
	HandlerCookHeaders = "cook-headers"
	HandlerToArchive   = "to-archive"
	HandlerToDigest    = "to-digest"
	HandlerToOutgoing  = "to-outgoing"
)

// DefaultPipelineNames is the posting pipeline used by lists that do
// not define their own.
func DefaultPipelineNames() []string {
	return []string{
		HandlerModeration,
		HandlerCleanse,
		HandlerCookHeaders,
		HandlerToArchive,
		HandlerToDigest,
		HandlerToOutgoing,
	}
}

// DefaultHandlers builds the built-in handler set. The enqueuer backs
// the archive and digest fan-out.
func DefaultHandlers(enqueuer Enqueuer) []Handler {
	return []Handler{
		&moderationHandler{},
		&cleanseHandler{},
		&cookHeadersHandler{},
		&toArchiveHandler{enqueuer: enqueuer},
		&toDigestHandler{enqueuer: enqueuer},
		&toOutgoingHandler{},
	}
}

// moderationHandler is a backstop: a message carrying an unresolved
// hold marker must never flow out to members. The chain normally
// diverts held messages before the pipeline runs at all.
type moderationHandler struct{}

func (*moderationHandler) Name() string { return HandlerModeration }

func (*moderationHandler) Process(ctx context.Context, msg *mail.Message, meta mail.Metadata, list *lists.List) (Disposition, error) {
	if meta.GetString(mail.KeyHoldReason) != "" && !meta.GetBool(mail.KeyApproved) {
		return StopDisposition(), nil
	}
	return ContinueDisposition(), nil
}

// cleanseHandler strips headers a poster could use to impersonate a
// moderator decision or jump the queue.
type cleanseHandler struct{}

var cleansedHeaders = []string{
	"Approved",
	"Approve",
	"X-Approved",
	"X-Approve",
	"Urgent",
}

func (*cleanseHandler) Name() string { return HandlerCleanse }

func (*cleanseHandler) Process(ctx context.Context, msg *mail.Message, meta mail.Metadata, list *lists.List) (Disposition, error) {
	for _, key := range cleansedHeaders {
		msg.Header.Del(key)
	}
	return ContinueDisposition(), nil
}

// cookHeadersHandler decorates the message with the list's RFC 2369
// headers, loop marker and subject prefix before it fans out.
type cookHeadersHandler struct{}

func (*cookHeadersHandler) Name() string { return HandlerCookHeaders }

func (*cookHeadersHandler) Process(ctx context.Context, msg *mail.Message, meta mail.Metadata, list *lists.List) (Disposition, error) {
	msg.Header.Add("X-Beenthere", list.Address)

	local, domain, err := splitListAddress(list.Address)
	if err != nil {
		return Disposition{}, err
	}
	msg.Header.Set("List-Id", fmt.Sprintf("<%s.%s>", local, domain))
	msg.Header.Set("List-Post", fmt.Sprintf("<mailto:%s>", list.Address))
	msg.Header.Set("List-Help", fmt.Sprintf("<mailto:%s-request@%s?subject=help>", local, domain))
	msg.Header.Set("List-Unsubscribe", fmt.Sprintf("<mailto:%s-leave@%s>", local, domain))
	if list.Owner != "" {
		msg.Header.Set("List-Owner", fmt.Sprintf("<mailto:%s>", list.Owner))
	}
	if msg.Header.Get("Precedence") == "" {
		msg.Header.Set("Precedence", "bulk")
	}

	if list.SubjectPrefix != "" {
		msg.Header.Set("Subject", prefixSubject(msg.Subject(), list.SubjectPrefix))
	}
	return ContinueDisposition(), nil
}

func splitListAddress(address string) (local, domain string, err error) {
	at := strings.LastIndex(address, "@")
	if at <= 0 || at == len(address)-1 {
		return "", "", fmt.Errorf("%w: list address %q", consts.ErrListUnknown, address)
	}
	return address[:at], address[at+1:], nil
}

// prefixSubject inserts the list prefix, keeping a leading reply marker
// in front so threading in common clients stays intact. Subjects that
// already carry the prefix pass through unchanged.
func prefixSubject(subject, prefix string) string {
	if strings.Contains(subject, prefix) {
		return subject
	}
	trimmed := strings.TrimSpace(subject)
	lower := strings.ToLower(trimmed)
	if strings.HasPrefix(lower, "re:") {
		rest := strings.TrimSpace(trimmed[len("re:"):])
		return fmt.Sprintf("Re: %s %s", prefix, rest)
	}
	if trimmed == "" {
		return prefix
	}
	return fmt.Sprintf("%s %s", prefix, trimmed)
}

// toArchiveHandler drops a copy of the message into the archive queue
// for lists that archive. The copy gets fresh metadata so archive
// retries never disturb the posting entry.
type toArchiveHandler struct {
	enqueuer Enqueuer
}

func (*toArchiveHandler) Name() string { return HandlerToArchive }

func (h *toArchiveHandler) Process(ctx context.Context, msg *mail.Message, meta mail.Metadata, list *lists.List) (Disposition, error) {
	if !list.Archive {
		return ContinueDisposition(), nil
	}
	copyMeta := mail.NewMetadata(list.Name, meta.GetString(mail.KeySender))
	if _, err := h.enqueuer.Enqueue(consts.QueueArchive, msg, copyMeta); err != nil {
		return Disposition{}, err
	}
	return ContinueDisposition(), nil
}

// toDigestHandler drops a copy into the digest queue for lists that
// assemble digests.
type toDigestHandler struct {
	enqueuer Enqueuer
}

func (*toDigestHandler) Name() string { return HandlerToDigest }

func (h *toDigestHandler) Process(ctx context.Context, msg *mail.Message, meta mail.Metadata, list *lists.List) (Disposition, error) {
	if !list.Digest {
		return ContinueDisposition(), nil
	}
	copyMeta := mail.NewMetadata(list.Name, meta.GetString(mail.KeySender))
	if _, err := h.enqueuer.Enqueue(consts.QueueDigest, msg, copyMeta); err != nil {
		return Disposition{}, err
	}
	return ContinueDisposition(), nil
}

// toOutgoingHandler ends every posting pipeline by forwarding the
// entry to the outgoing queue for member delivery.
type toOutgoingHandler struct{}

func (*toOutgoingHandler) Name() string { return HandlerToOutgoing }

func (*toOutgoingHandler) Process(ctx context.Context, msg *mail.Message, meta mail.Metadata, list *lists.List) (Disposition, error) {
	return ForwardTo(consts.QueueOutgoing), nil
}
