package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/migadu/herald/consts"
	"github.com/migadu/herald/lists"
	"github.com/migadu/herald/logger"
	"github.com/migadu/herald/mail"
	"github.com/migadu/herald/queue"
)

// Moderator applies a moderator's decision: the ledger records the
// disposition, then the held queue entry is re-homed accordingly.
type Moderator struct {
	ledger   *Ledger
	store    *queue.Store
	registry func() *lists.Registry
	hostname string
}

func NewModerator(l *Ledger, store *queue.Store, registry func() *lists.Registry, hostname string) *Moderator {
	return &Moderator{ledger: l, store: store, registry: registry, hostname: hostname}
}

// Resolve decides a pending hold. The ledger transition happens first
// and is final; the queue follow-up is best effort and logged if it
// fails, leaving the entry in the held queue for manual repair.
//
// Approve re-enqueues the message into incoming with the triggering
// rule in its bypass set, so the same rule cannot hold it twice.
// Reject sends the poster a rejection notice through the bounce queue.
// Discard drops the entry.
func (m *Moderator) Resolve(ctx context.Context, holdID string, disposition Disposition) (*Hold, error) {
	h, err := m.ledger.resolve(ctx, holdID, disposition)
	if err != nil {
		return nil, err
	}

	if err := m.applyToQueue(ctx, h, disposition); err != nil {
		if errors.Is(err, consts.ErrNotFound) {
			// A previous partially-applied resolution already moved the
			// entry out of the held queue.
			logger.WarnContext(ctx, "held entry already gone", "hold_id", h.ID, "entry_id", h.EntryID)
			return h, nil
		}
		logger.ErrorContext(ctx, "failed to apply moderation decision to held queue",
			"hold_id", h.ID, "entry_id", h.EntryID, "disposition", disposition, "error", err)
		return h, fmt.Errorf("hold %s resolved as %s but queue update failed: %w", h.ID, disposition, err)
	}

	logger.InfoContext(ctx, "resolved hold", "hold_id", h.ID, "list", h.List,
		"disposition", disposition)
	return h, nil
}

func (m *Moderator) applyToQueue(ctx context.Context, h *Hold, disposition Disposition) error {
	msg, meta, err := m.store.Dequeue(consts.QueueHeld, h.EntryID)
	if err != nil {
		return err
	}

	switch disposition {
	case DispositionApproved:
		meta.AddBypassRule(h.Rule)
		meta[mail.KeyApproved] = true
		meta.LogDecision(fmt.Sprintf("approved by moderator, bypassing %s", h.Rule))
		return m.store.Requeue(consts.QueueHeld, h.EntryID, msg, meta, consts.QueueIncoming)

	case DispositionRejected:
		if err := m.enqueueRejection(h, msg, meta); err != nil {
			// The notice is a courtesy; the rejection itself stands.
			logger.WarnContext(ctx, "failed to enqueue rejection notice",
				"hold_id", h.ID, "error", err)
		}
		return m.store.Finish(consts.QueueHeld, h.EntryID)

	case DispositionDiscarded:
		return m.store.Finish(consts.QueueHeld, h.EntryID)

	default:
		return fmt.Errorf("unknown disposition %q", disposition)
	}
}

func (m *Moderator) enqueueRejection(h *Hold, msg *mail.Message, meta mail.Metadata) error {
	recipient := meta.GetString(mail.KeySender)
	if recipient == "" {
		recipient = msg.From()
	}
	if recipient == "" {
		return fmt.Errorf("held message has no sender to notify")
	}

	listAddress := h.List
	if list, err := m.registry().Get(h.List); err == nil {
		listAddress = list.Address
	}

	notice, err := mail.BuildRejectionNotice(h.List, listAddress, m.hostname, recipient, h.Reason, msg)
	if err != nil {
		return err
	}

	noticeMeta := mail.NewMetadata(h.List, "")
	noticeMeta[mail.KeyRecipients] = []string{recipient}
	_, err = m.store.Enqueue(consts.QueueBounce, notice, noticeMeta)
	return err
}
