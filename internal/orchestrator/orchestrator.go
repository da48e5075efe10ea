package orchestrator

import (
	"context"
	stderrors "errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/eternisai/enchanted-research/internal/enrichment"
	"github.com/eternisai/enchanted-research/internal/errors"
	"github.com/eternisai/enchanted-research/internal/gateway"
	"github.com/eternisai/enchanted-research/internal/logger"
	"github.com/eternisai/enchanted-research/internal/messaging"
	"github.com/eternisai/enchanted-research/internal/metrics"
	"github.com/eternisai/enchanted-research/internal/streaming"
	"github.com/eternisai/enchanted-research/internal/title_generation"
)

const modeChat = "chat"

// ErrNoMessages is returned for a turn without messages.
var ErrNoMessages = stderrors.New("turn has no messages")

// Generator opens token streams. Implemented by gateway.Registry.
type Generator interface {
	StreamGenerate(ctx context.Context, backendID string, req gateway.Request) (*gateway.Stream, error)
}

// Persister schedules writes without blocking. Implemented by messaging.Service.
type Persister interface {
	StoreMessageAsync(ctx context.Context, msg messaging.MessageToStore) error
	StoreUsageAsync(ctx context.Context, usage messaging.UsageToStore) error
}

// TitleQueue schedules title generation for new conversations.
type TitleQueue interface {
	QueueTitleGeneration(ctx context.Context, req title_generation.TitleRequest)
}

type Options struct {
	// Research and Weather are optional; nil disables the provider.
	Research enrichment.Provider
	Weather  enrichment.Provider

	Store  Persister
	Titles TitleQueue

	// EnrichmentGrace is how long generation may wait for enrichment before starting.
	// Zero only takes what is already finished.
	EnrichmentGrace time.Duration
}

// Orchestrator drives chat turns: it races enrichment against generation and merges both
// into one ordered event stream.
type Orchestrator struct {
	generator Generator
	opts      Options
	logger    *logger.Logger
}

func New(generator Generator, opts Options, logger *logger.Logger) *Orchestrator {
	return &Orchestrator{
		generator: generator,
		opts:      opts,
		logger:    logger.WithComponent("orchestrator"),
	}
}

// Run streams one turn into sink. It returns after the terminal event was sent and the
// persistence writes were scheduled. Sends after the terminal event are never attempted.
func (o *Orchestrator) Run(ctx context.Context, turn Turn, sink streaming.Sink) error {
	ctx = logger.WithTurnID(ctx, turn.TurnID)
	if turn.ConversationID != "" {
		ctx = logger.WithConversationID(ctx, turn.ConversationID)
	}

	r := &run{
		o:    o,
		turn: turn,
		out:  &emitter{sink: sink},
		log:  o.logger.WithContext(ctx),
	}

	if len(turn.Messages) == 0 {
		_ = r.out.send(streaming.ErrorEvent(ErrNoMessages))
		return ErrNoMessages
	}

	return r.execute(ctx)
}

// emitter serializes sends and drops everything after the terminal event.
type emitter struct {
	mu         sync.Mutex
	sink       streaming.Sink
	terminated bool
}

func (e *emitter) send(ev streaming.Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.terminated {
		return streaming.ErrTerminated
	}
	if ev.IsTerminal() {
		e.terminated = true
	}
	return e.sink.Send(ev)
}

// trySend delivers a non-terminal event only when that needs no waiting, and reports
// whether it went out.
func (e *emitter) trySend(ev streaming.Event) bool {
	if ev.IsTerminal() || !e.mu.TryLock() {
		return false
	}
	defer e.mu.Unlock()

	if e.terminated {
		return false
	}
	if ts, ok := e.sink.(streaming.TrySender); ok {
		return ts.TrySend(ev)
	}
	return e.sink.Send(ev) == nil
}

// run is the state of one turn.
type run struct {
	o    *Orchestrator
	turn Turn
	out  *emitter
	log  *logger.Logger

	pending  []*enrichment.Handle
	stopWait chan struct{}
	watchers sync.WaitGroup
}

func (r *run) execute(ctx context.Context) error {
	started := time.Now()

	r.startEnrichment(ctx)
	messages := r.buildContext()

	stream, err := r.o.generator.StreamGenerate(ctx, r.turn.BackendID, gateway.Request{
		Messages: messages,
		Params:   r.turn.Params,
	})
	if err != nil {
		if ctx.Err() != nil {
			return r.cancelled(ctx, "", nil)
		}
		r.finishEnrichment(false)
		return r.fail(ctx, err, "", nil)
	}
	defer stream.Close() //nolint:errcheck

	r.watchLateResults()

	var text strings.Builder
	var streamErr error
	first := true

	for {
		token, err := stream.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			streamErr = err
			break
		}
		if token == "" {
			continue
		}

		if first {
			// Results that landed after the splice point still go out ahead of the answer.
			r.flushReady()
			first = false
		}

		text.WriteString(token)
		if err := r.out.send(streaming.TokenEvent(token)); err != nil {
			streamErr = err
			break
		}
	}

	if ctx.Err() != nil {
		return r.cancelled(ctx, text.String(), stream)
	}
	if streamErr != nil {
		r.finishEnrichment(false)
		return r.fail(ctx, streamErr, text.String(), stream)
	}

	r.finishEnrichment(true)
	_ = r.out.send(streaming.DoneEvent())

	r.persist(ctx, text.String(), stream, nil, false)
	r.queueTitle(ctx)

	metrics.TurnsTotal.WithLabelValues(modeChat, "completed").Inc()
	r.log.Info("turn completed",
		slog.String("backend", stream.BackendID),
		slog.Int("response_chars", text.Len()),
		slog.Duration("duration", time.Since(started)))

	return nil
}

// startEnrichment starts the providers the latest user message calls for.
func (r *run) startEnrichment(ctx context.Context) {
	query, ok := r.turn.lastUserMessage()
	if !ok {
		return
	}

	input := enrichment.Input{Query: query, Location: r.turn.Location}
	// Providers must never wait on the client; a status that finds the stream busy is dropped.
	onProgress := func(status string) {
		if !r.out.trySend(streaming.StatusEvent(status)) {
			r.log.Debug("status update dropped", slog.String("status", status))
		}
	}

	if r.o.opts.Research != nil && enrichment.DetectResearchIntent(query) {
		r.pending = append(r.pending, r.o.opts.Research.Start(ctx, input, onProgress))
	}
	if r.o.opts.Weather != nil && r.turn.Location != nil && enrichment.DetectWeatherIntent(query) {
		r.pending = append(r.pending, r.o.opts.Weather.Start(ctx, input, onProgress))
	}

	if len(r.pending) > 0 {
		names := make([]string, len(r.pending))
		for i, h := range r.pending {
			names[i] = h.Provider()
		}
		r.log.Debug("enrichment started", slog.Any("providers", names))
	}
}

// buildContext waits at most the grace window, splices the finished results into the
// conversation and keeps the rest pending.
func (r *run) buildContext() []gateway.Message {
	if len(r.pending) == 0 {
		return r.turn.Messages
	}

	if grace := r.o.opts.EnrichmentGrace; grace > 0 {
		timer := time.NewTimer(grace)
	wait:
		for _, h := range r.pending {
			select {
			case <-h.Done():
			case <-timer.C:
				break wait
			}
		}
		timer.Stop()
	}

	var ready []enrichment.Result
	var still []*enrichment.Handle
	for _, h := range r.pending {
		result, ok := h.TryResult()
		if !ok {
			still = append(still, h)
			continue
		}
		if r.deliver(result, "spliced") {
			ready = append(ready, result)
		}
	}
	r.pending = still

	return enrichment.Splice(r.turn.Messages, ready)
}

// deliver emits the side-channel event for a result. It reports whether the result
// carried anything.
func (r *run) deliver(result enrichment.Result, delivery string) bool {
	switch result.Kind {
	case enrichment.KindResearch:
		if len(result.Research.Sources) > 0 {
			_ = r.out.send(streaming.CitationsEvent(result.Research.Sources))
		}
	case enrichment.KindAuxiliary:
		if result.Auxiliary.Label != "" {
			_ = r.out.send(streaming.StatusEvent(result.Auxiliary.Label))
		}
	default:
		metrics.EnrichmentResults.WithLabelValues(result.Provider, "absent").Inc()
		r.log.Debug("enrichment absent",
			slog.String("provider", result.Provider),
			slog.String("reason", result.Reason))
		return false
	}

	metrics.EnrichmentResults.WithLabelValues(result.Provider, delivery).Inc()
	return true
}

// watchLateResults surfaces results that finish while tokens are streaming.
func (r *run) watchLateResults() {
	r.stopWait = make(chan struct{})
	for _, h := range r.pending {
		h := h
		r.watchers.Add(1)
		go func() {
			defer r.watchers.Done()
			select {
			case <-h.Done():
				if result, ok := h.TryResult(); ok {
					r.deliver(result, "side_channel")
				}
			case <-r.stopWait:
			}
		}()
	}
}

// flushReady delivers every pending result that is already done.
func (r *run) flushReady() {
	for _, h := range r.pending {
		if result, ok := h.TryResult(); ok {
			r.deliver(result, "side_channel")
		}
	}
}

// finishEnrichment stops the watchers. With deliver set, results that are done by now are
// still emitted; everything else is abandoned.
func (r *run) finishEnrichment(deliver bool) {
	if r.stopWait != nil {
		close(r.stopWait)
		r.watchers.Wait()
	}

	for _, h := range r.pending {
		if deliver {
			if result, ok := h.TryResult(); ok {
				r.deliver(result, "side_channel")
				continue
			}
		}
		select {
		case <-h.Done():
		default:
			metrics.EnrichmentResults.WithLabelValues(h.Provider(), "discarded").Inc()
		}
		h.Abandon()
	}
}

// cancelled ends a turn whose context went away, either through the stop endpoint or
// because the client disconnected. Partial text is persisted either way.
func (r *run) cancelled(ctx context.Context, partial string, stream *gateway.Stream) error {
	r.finishEnrichment(false)

	stop := &stopMeta{by: "system", reason: streaming.StopReasonClientDisconnected}
	userStop := stderrors.Is(context.Cause(ctx), streaming.ErrTurnStopped)
	if userStop {
		stop.by, stop.reason = r.turn.UserID, streaming.StopReasonUserCancelled
		if r.turn.Control != nil {
			if stopped, by, reason := r.turn.Control.StopInfo(); stopped {
				stop.by, stop.reason = by, reason
			}
		}
	}

	var err error
	if userStop {
		// The client is still listening and gets a regular end of stream.
		_ = r.out.send(streaming.DoneEvent())
		metrics.TurnsTotal.WithLabelValues(modeChat, "stopped").Inc()
	} else {
		err = errors.New(errors.KindCancelled, "stream generate", context.Cause(ctx))
		_ = r.out.send(streaming.ErrorEvent(err))
		metrics.TurnsTotal.WithLabelValues(modeChat, "disconnected").Inc()
	}

	r.persist(ctx, partial, stream, stop, false)

	r.log.Info("turn cancelled",
		slog.String("stopped_by", stop.by),
		slog.String("reason", string(stop.reason)),
		slog.Int("partial_chars", len(partial)))

	return err
}

// fail ends the turn with a terminal error event.
func (r *run) fail(ctx context.Context, err error, partial string, stream *gateway.Stream) error {
	if errors.KindOf(err) == "" {
		err = errors.New(errors.KindUpstream, "stream generate", err)
	}

	_ = r.out.send(streaming.ErrorEvent(err))
	r.persist(ctx, partial, stream, nil, true)

	metrics.TurnsTotal.WithLabelValues(modeChat, "failed").Inc()
	r.log.Error("generation failed",
		slog.String("backend", r.turn.BackendID),
		slog.String("kind", string(errors.KindOf(err))),
		slog.String("error", err.Error()))

	return err
}

type stopMeta struct {
	by     string
	reason streaming.StopReason
}

// persist schedules the user message, the assistant message and the usage record.
func (r *run) persist(ctx context.Context, content string, stream *gateway.Stream, stop *stopMeta, isError bool) {
	store := r.o.opts.Store
	if store == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)

	if r.turn.endsWithUser() {
		last := r.turn.Messages[len(r.turn.Messages)-1]
		if err := store.StoreMessageAsync(ctx, messaging.MessageToStore{
			UserID:         r.turn.UserID,
			ConversationID: r.turn.ConversationID,
			TurnID:         r.turn.TurnID,
			Role:           string(gateway.RoleUser),
			Content:        last.Content,
		}); err != nil {
			r.log.Warn("failed to schedule user message", slog.String("error", err.Error()))
		}
	}

	if content != "" || isError {
		msg := messaging.MessageToStore{
			UserID:         r.turn.UserID,
			ConversationID: r.turn.ConversationID,
			TurnID:         r.turn.TurnID,
			Role:           string(gateway.RoleAssistant),
			Content:        content,
			BackendID:      r.turn.BackendID,
			IsError:        isError,
		}
		if stop != nil {
			msg.Stopped = true
			msg.StoppedBy = stop.by
			msg.StopReason = string(stop.reason)
		}
		if err := store.StoreMessageAsync(ctx, msg); err != nil {
			r.log.Warn("failed to schedule assistant message", slog.String("error", err.Error()))
		}
	}

	if stream == nil {
		return
	}
	usage := stream.Usage()
	if usage == nil {
		r.log.Debug("no token usage reported", slog.String("backend", stream.BackendID))
		return
	}
	if err := store.StoreUsageAsync(ctx, messaging.UsageToStore{
		UserID:           r.turn.UserID,
		ConversationID:   r.turn.ConversationID,
		TurnID:           r.turn.TurnID,
		Mode:             modeChat,
		BackendID:        stream.BackendID,
		Provider:         stream.Provider,
		Model:            stream.Model,
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		TotalTokens:      usage.TotalTokens,
		TokenMultiplier:  stream.TokenMultiplier,
	}); err != nil {
		r.log.Warn("failed to schedule usage record", slog.String("error", err.Error()))
	}
}

func (r *run) queueTitle(ctx context.Context) {
	if r.o.opts.Titles == nil || r.turn.ConversationID == "" || !r.turn.isFirstExchange() {
		return
	}
	query, _ := r.turn.lastUserMessage()
	r.o.opts.Titles.QueueTitleGeneration(context.WithoutCancel(ctx), title_generation.TitleRequest{
		UserID:         r.turn.UserID,
		ConversationID: r.turn.ConversationID,
		FirstMessage:   query,
	})
}
