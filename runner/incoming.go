package runner

import (
	"context"
	"fmt"

	"github.com/migadu/herald/chain"
	"github.com/migadu/herald/consts"
	"github.com/migadu/herald/ledger"
	"github.com/migadu/herald/lists"
	"github.com/migadu/herald/logger"
	"github.com/migadu/herald/mail"
	"github.com/migadu/herald/pipeline"
	"github.com/migadu/herald/queue"
)

// IncomingProcessor runs new posts through their list's rule chain and,
// when accepted, through the posting pipeline.
type IncomingProcessor struct {
	store    *queue.Store
	rules    *chain.Registry
	handlers *pipeline.Registry
	ledger   *ledger.Ledger
	registry func() *lists.Registry
	hostname string
}

func NewIncomingProcessor(store *queue.Store, rules *chain.Registry, handlers *pipeline.Registry, l *ledger.Ledger, registry func() *lists.Registry, hostname string) *IncomingProcessor {
	return &IncomingProcessor{
		store:    store,
		rules:    rules,
		handlers: handlers,
		ledger:   l,
		registry: registry,
		hostname: hostname,
	}
}

func (p *IncomingProcessor) Process(ctx context.Context, id queue.EntryID, msg *mail.Message, meta mail.Metadata) (Result, error) {
	list, err := p.registry().Get(meta.List())
	if err != nil {
		return Result{}, Shunt(fmt.Errorf("%w: %q", consts.ErrListUnknown, meta.List()))
	}

	c, err := p.compileChain(list)
	if err != nil {
		return Result{}, Shunt(fmt.Errorf("%w: list %s: %v", consts.ErrChainUnknown, list.Name, err))
	}

	verdict := chain.Evaluate(ctx, c, msg, meta, list)
	switch verdict.Kind {
	case chain.VerdictDiscard:
		logger.InfoContext(ctx, "message discarded", "list", list.Name, "id", id,
			"rule", verdict.Rule, "reason", verdict.Reason)
		return Result{Kind: Done}, nil

	case chain.VerdictReject:
		logger.InfoContext(ctx, "message rejected", "list", list.Name, "id", id,
			"rule", verdict.Rule, "reason", verdict.Reason)
		p.enqueueRejection(ctx, list, msg, meta, verdict)
		return Result{Kind: Done}, nil

	case chain.VerdictHold:
		return p.hold(ctx, id, list, msg, meta, verdict)

	default: // accept
		return p.runPipeline(ctx, list, msg, meta)
	}
}

func (p *IncomingProcessor) compileChain(list *lists.List) (chain.Chain, error) {
	if len(list.Chain) > 0 {
		return p.rules.Compile(list.Chain)
	}
	return p.rules.DefaultChain()
}

// hold records the moderation entry first, then moves the message to
// the held queue. The entry keeps its ID across the move, and Record is
// idempotent on (list, message-id), so a crash between the two steps
// replays cleanly.
func (p *IncomingProcessor) hold(ctx context.Context, id queue.EntryID, list *lists.List, msg *mail.Message, meta mail.Metadata, verdict chain.Verdict) (Result, error) {
	meta[mail.KeyHoldReason] = verdict.Reason
	meta[mail.KeyHoldRule] = verdict.Rule

	holdID, err := p.ledger.Record(ctx, list.Name, msg.MessageID(), id, verdict.Reason, verdict.Rule)
	if err != nil {
		return Result{}, err
	}

	logger.InfoContext(ctx, "message held for moderation", "list", list.Name,
		"id", id, "hold_id", holdID, "rule", verdict.Rule, "reason", verdict.Reason)
	return Result{Kind: Forward, Target: consts.QueueHeld}, nil
}

func (p *IncomingProcessor) runPipeline(ctx context.Context, list *lists.List, msg *mail.Message, meta mail.Metadata) (Result, error) {
	pl, err := p.handlers.Compile(list.Pipeline)
	if err != nil {
		return Result{}, Shunt(fmt.Errorf("%w: list %s: %v", consts.ErrPipelineUnknown, list.Name, err))
	}

	outcome, err := pipeline.Run(ctx, pl, msg, meta, list)
	if err != nil {
		return Result{}, err
	}
	if outcome.Kind == pipeline.Forwarded {
		return Result{Kind: Forward, Target: outcome.Target}, nil
	}
	return Result{Kind: Done}, nil
}

func (p *IncomingProcessor) enqueueRejection(ctx context.Context, list *lists.List, msg *mail.Message, meta mail.Metadata, verdict chain.Verdict) {
	recipient := meta.GetString(mail.KeySender)
	if recipient == "" {
		recipient = msg.From()
	}
	if recipient == "" {
		logger.WarnContext(ctx, "rejected message has no sender to notify", "list", list.Name)
		return
	}

	reason := verdict.Reason
	if reason == "" {
		reason = fmt.Sprintf("refused by rule %s", verdict.Rule)
	}
	notice, err := mail.BuildRejectionNotice(list.Name, list.Address, p.hostname, recipient, reason, msg)
	if err != nil {
		logger.WarnContext(ctx, "failed to build rejection notice", "list", list.Name, "error", err)
		return
	}

	noticeMeta := mail.NewMetadata(list.Name, "")
	noticeMeta[mail.KeyRecipients] = []string{recipient}
	if _, err := p.store.Enqueue(consts.QueueBounce, notice, noticeMeta); err != nil {
		logger.WarnContext(ctx, "failed to enqueue rejection notice", "list", list.Name, "error", err)
	}
}
