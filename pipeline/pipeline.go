package pipeline

import (
	"context"
	"fmt"

	"github.com/migadu/herald/consts"
	"github.com/migadu/herald/lists"
	"github.com/migadu/herald/logger"
	"github.com/migadu/herald/mail"
	"github.com/migadu/herald/queue"
)

// DispositionKind tells the run loop what to do after a handler returns.
type DispositionKind int

const (
	// Continue passes the message to the next handler.
	Continue DispositionKind = iota
	// Stop ends the pipeline; the message goes no further.
	Stop
	// Forward ends the pipeline and re-homes the message into the
	// disposition's target queue.
	Forward
)

type Disposition struct {
	Kind   DispositionKind
	Target string
}

func ContinueDisposition() Disposition    { return Disposition{Kind: Continue} }
func StopDisposition() Disposition        { return Disposition{Kind: Stop} }
func ForwardTo(target string) Disposition { return Disposition{Kind: Forward, Target: target} }

// Handler is one step of a posting pipeline. Process may mutate the
// message and metadata in place. Handlers must be idempotent: a crash
// after a handler completes but before the entry is committed means the
// whole pipeline is replayed, with already completed handlers skipped
// via their completion markers.
type Handler interface {
	Name() string
	Process(ctx context.Context, msg *mail.Message, meta mail.Metadata, list *lists.List) (Disposition, error)
}

// Enqueuer is the slice of the queue store the fan-out handlers need.
type Enqueuer interface {
	Enqueue(queue string, msg *mail.Message, meta mail.Metadata) (queue.EntryID, error)
}

// A Pipeline is an ordered sequence of handlers.
type Pipeline []Handler

// Registry maps handler names to handlers and compiles per-list
// pipeline definitions.
type Registry struct {
	handlers map[string]Handler
}

func NewRegistry(handlers []Handler) *Registry {
	r := &Registry{handlers: make(map[string]Handler, len(handlers))}
	for _, h := range handlers {
		r.handlers[h.Name()] = h
	}
	return r
}

func (r *Registry) Get(name string) (Handler, error) {
	h, ok := r.handlers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", consts.ErrHandlerUnknown, name)
	}
	return h, nil
}

// Compile resolves a list's pipeline definition against the registry.
// An empty definition gets the default posting pipeline.
func (r *Registry) Compile(names []string) (Pipeline, error) {
	if len(names) == 0 {
		names = DefaultPipelineNames()
	}
	p := make(Pipeline, 0, len(names))
	for _, name := range names {
		h, err := r.Get(name)
		if err != nil {
			return nil, err
		}
		p = append(p, h)
	}
	return p, nil
}

// OutcomeKind is the terminal state of a pipeline run.
type OutcomeKind int

const (
	// Terminal means the pipeline consumed the message; the entry can
	// be committed.
	Terminal OutcomeKind = iota
	// Forwarded means the message must be re-homed into Outcome.Target.
	Forwarded
)

type Outcome struct {
	Kind   OutcomeKind
	Target string
}

// Run executes the pipeline over the message. Handlers that already
// recorded a completion marker are skipped, so a redelivered entry
// resumes where the previous attempt stopped. A handler error aborts
// the run with no marker written for the failing handler.
func Run(ctx context.Context, p Pipeline, msg *mail.Message, meta mail.Metadata, list *lists.List) (Outcome, error) {
	for _, h := range p {
		if meta.HandlerDone(h.Name()) {
			continue
		}
		disp, err := h.Process(ctx, msg, meta, list)
		if err != nil {
			return Outcome{}, fmt.Errorf("pipeline handler %s: %w", h.Name(), err)
		}
		meta.MarkHandlerDone(h.Name())
		switch disp.Kind {
		case Continue:
		case Stop:
			meta.LogDecision(fmt.Sprintf("pipeline stopped by %s", h.Name()))
			return Outcome{Kind: Terminal}, nil
		case Forward:
			meta.LogDecision(fmt.Sprintf("pipeline forwarded to %s by %s", disp.Target, h.Name()))
			return Outcome{Kind: Forwarded, Target: disp.Target}, nil
		default:
			return Outcome{}, fmt.Errorf("pipeline handler %s: unknown disposition %d", h.Name(), disp.Kind)
		}
	}
	logger.DebugContext(ctx, "pipeline ran to completion without a terminal handler",
		"list", list.Name)
	return Outcome{Kind: Terminal}, nil
}
