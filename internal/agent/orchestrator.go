// Package agent implements the agent loop: it drives call model,
// parse streamed output, execute requested tools, feed results back
// until the model stops requesting tools, while enforcing approval
// gates, detecting runaway loops, and anchoring checkpoints for
// message-level rollback.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loom-editor/loom/internal/config"
	"github.com/loom-editor/loom/internal/events"
	"github.com/loom-editor/loom/internal/llm"
	"github.com/loom-editor/loom/internal/prompts"
	"github.com/loom-editor/loom/internal/thread"
	"github.com/loom-editor/loom/internal/tools"
	"github.com/loom-editor/loom/internal/wire"
)

const (
	// RejectionResult is the synthetic tool result fed back to the
	// model when the user rejects a call. The model must see
	// rejections, not silence.
	RejectionResult = "Tool call was rejected by the user."
	// AbortReason marks tool calls cancelled by a user abort.
	AbortReason = "Aborted by user"

	loopWarning = "I seem to be repeating the same action without making progress, so I've stopped this request. Please adjust the instructions and try again."

	maxReadConcurrency = 4
)

// Orchestrator drives one conversation turn at a time. Exactly one
// turn may be in flight; a second SendMessage while one is active is a
// logged no-op.
type Orchestrator struct {
	store  *thread.Store
	engine *tools.Engine
	client llm.Client
	diags  tools.LanguageProvider
	bus    *events.Bus
	cfg    *config.Config
	logger *slog.Logger

	// SystemPrompt is prepended to every model call.
	SystemPrompt string

	inFlight atomic.Bool
	gate     *approvalGate

	mu     sync.Mutex
	cancel context.CancelFunc

	// sleep is swapped out by tests to observe backoff delays.
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates an orchestrator. diags may be nil, which disables the
// observe phase.
func New(store *thread.Store, engine *tools.Engine, client llm.Client, diags tools.LanguageProvider, bus *events.Bus, cfg *config.Config, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:  store,
		engine: engine,
		client: client,
		diags:  diags,
		bus:    bus,
		cfg:    cfg,
		logger: logger,
		gate:   newApprovalGate(),
		sleep:  sleepCtx,
	}
}

// Busy reports whether a turn is in flight.
func (o *Orchestrator) Busy() bool { return o.inFlight.Load() }

// Approve resolves an awaiting tool call as approved.
func (o *Orchestrator) Approve(callID string) bool {
	return o.gate.Resolve(callID, true)
}

// Reject resolves an awaiting tool call as rejected.
func (o *Orchestrator) Reject(callID string) bool {
	return o.gate.Resolve(callID, false)
}

// Abort cancels the active turn. In-flight tool calls are marked as
// errors with AbortReason and the loop stops. No-op when idle.
func (o *Orchestrator) Abort() {
	o.mu.Lock()
	cancel := o.cancel
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// SendMessage runs one full turn synchronously: record the user
// message, anchor a checkpoint, then iterate model calls and tool
// batches until the model stops requesting tools or a terminal
// condition hits. Returns immediately without doing anything if a turn
// is already in flight.
func (o *Orchestrator) SendMessage(ctx context.Context, content string, items []thread.ContextItem) error {
	if !o.inFlight.CompareAndSwap(false, true) {
		o.logger.Warn("send ignored: a turn is already in flight")
		return nil
	}

	turnCtx, cancel := context.WithCancel(ctx)
	o.mu.Lock()
	o.cancel = cancel
	o.mu.Unlock()

	err := o.runTurn(turnCtx, content, items)

	o.mu.Lock()
	o.cancel = nil
	o.mu.Unlock()
	cancel()
	o.inFlight.Store(false)
	return err
}

// runTurn is the loop body. Every exit path goes through the deferred
// cleanup so no turn is left half-open.
func (o *Orchestrator) runTurn(ctx context.Context, content string, items []thread.ContextItem) (err error) {
	userID := o.store.AddUserMessage(content, items)
	threadID := o.store.CurrentThreadID()

	cpID := o.store.CreateMessageCheckpoint(userID, checkpointDescription(content))
	o.bus.Publish(events.Event{
		Source: events.SourceThread,
		Kind:   events.KindCheckpointCreated,
		Data:   map[string]any{"thread_id": threadID, "checkpoint_id": cpID, "message_id": userID},
	})

	currentAssistant := ""
	iterations := 0
	defer func() {
		o.cleanup(ctx, threadID, currentAssistant, iterations)
	}()

	detector := newLoopDetector(o.cfg.Agent.LoopRepeatThreshold)

	for iterations = 1; iterations <= o.cfg.Agent.MaxIterations; iterations++ {
		o.setState(threadID, thread.StateStreaming)

		wireMsgs := wire.BuildMessages(o.store.Messages())
		if verr := wire.Validate(wireMsgs); verr != nil {
			return fmt.Errorf("wire validation: %w", verr)
		}

		msgID := o.store.AddAssistantMessage()
		currentAssistant = msgID

		asm, serr := o.streamWithRetry(ctx, threadID, msgID, llm.ChatRequest{
			Model:     o.cfg.Model.Name,
			System:    o.SystemPrompt,
			Messages:  wireMsgs,
			Tools:     o.engine.Registry().Specs(),
			MaxTokens: o.cfg.Model.MaxTokens,
		})
		if serr != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			o.surfaceError(msgID, serr)
			return serr
		}
		if asm.resp != nil {
			o.logger.Debug("model response",
				"iter", iterations,
				"stop", asm.resp.StopReason,
				"tokens_in", asm.resp.InputTokens,
				"tokens_out", asm.resp.OutputTokens)
		}

		if ferr := o.store.FinalizeAssistant(msgID); ferr != nil {
			return ferr
		}
		currentAssistant = ""

		calls := o.assembledCalls(asm.order)
		if len(calls) == 0 {
			return nil
		}

		if detector.Observe(batchSignature(calls)) {
			o.logger.Warn("loop breaker tripped", "iterations", iterations)
			o.emitWarning(loopWarning)
			return nil
		}

		executed, aborted := o.executeBatch(ctx, threadID, msgID, calls)
		if aborted {
			return ctx.Err()
		}
		o.observePhase(ctx)

		// Continue only when at least one call actually executed and
		// was not rejected.
		if executed == 0 {
			return nil
		}
	}

	o.logger.Warn("iteration ceiling reached", "max", o.cfg.Agent.MaxIterations)
	return nil
}

// streamWithRetry calls the model and assembles the stream, retrying
// with exponential backoff only for the retryable failure classes.
func (o *Orchestrator) streamWithRetry(ctx context.Context, threadID, msgID string, req llm.ChatRequest) (*assembler, error) {
	var lastErr error
	for attempt := 0; attempt <= o.cfg.Agent.Retry.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := o.backoffDelay(attempt - 1)
			o.logger.Info("retrying model call",
				"attempt", attempt,
				"delay", delay,
				"class", llm.Classify(lastErr).String())
			if err := o.sleep(ctx, delay); err != nil {
				return nil, err
			}
			// The failed attempt may have streamed partial text or tool
			// calls into the message; the replay starts from a clean one.
			if rerr := o.store.ResetAssistant(msgID); rerr != nil {
				return nil, rerr
			}
		}

		asm := newAssembler(o.store, o.engine.Registry(), o.bus, o.logger, threadID, msgID)
		ch, err := o.client.ChatStream(ctx, req)
		if err == nil {
			err = asm.consume(ctx, ch)
		}
		if err == nil {
			return asm, nil
		}

		lastErr = err
		if ctx.Err() != nil || !llm.IsRetryable(err) {
			return nil, err
		}
	}
	return nil, lastErr
}

func (o *Orchestrator) backoffDelay(attempt int) time.Duration {
	base := o.cfg.Agent.Retry.BaseDelay
	mult := o.cfg.Agent.Retry.Multiplier
	if mult <= 0 {
		mult = 1
	}
	return time.Duration(float64(base) * math.Pow(mult, float64(attempt)))
}

// assembledCalls reads back the calls the stream produced, in
// declaration order.
func (o *Orchestrator) assembledCalls(order []string) []thread.ToolCall {
	calls := make([]thread.ToolCall, 0, len(order))
	for _, callID := range order {
		_, call, ok := o.store.ToolCallByID(callID)
		if !ok {
			continue
		}
		calls = append(calls, call)
	}
	return calls
}

// executeBatch runs one iteration's tool calls: reads concurrently
// with results recorded in request order, side-effecting calls
// strictly sequentially behind the approval gate. A rejection stops
// the remaining side-effecting calls.
func (o *Orchestrator) executeBatch(ctx context.Context, threadID, msgID string, calls []thread.ToolCall) (executed int, aborted bool) {
	var reads, writes []thread.ToolCall
	for _, call := range calls {
		if o.engine.Registry().Category(call.Name).SideEffecting() {
			writes = append(writes, call)
		} else {
			reads = append(reads, call)
		}
	}

	executed += o.executeReads(ctx, threadID, msgID, reads)
	if ctx.Err() != nil {
		return executed, true
	}

	for i, call := range writes {
		if ctx.Err() != nil {
			return executed, true
		}

		approved, err := o.awaitApproval(ctx, threadID, msgID, call)
		if err != nil {
			return executed, true
		}
		if !approved {
			o.rejectCall(msgID, call)
			// Later side-effecting calls in this batch stay unexecuted.
			for _, rest := range writes[i+1:] {
				o.markRejected(msgID, rest.ID)
			}
			break
		}

		o.setState(threadID, thread.StateToolRunning)
		o.runCall(ctx, threadID, msgID, call)
		executed++

		// Yield between sequential writes.
		runtime.Gosched()
	}
	return executed, ctx.Err() != nil
}

// executeReads runs read-only calls concurrently and records their
// results in the order the model requested them.
func (o *Orchestrator) executeReads(ctx context.Context, threadID, msgID string, reads []thread.ToolCall) int {
	if len(reads) == 0 {
		return 0
	}
	o.setState(threadID, thread.StateToolRunning)

	results := make([]tools.Result, len(reads))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxReadConcurrency)
	for i, call := range reads {
		o.updateStatus(threadID, msgID, call.ID, call.Name, thread.StatusRunning)
		g.Go(func() error {
			results[i] = o.engine.Execute(gctx, call)
			return nil
		})
	}
	g.Wait()

	for i, call := range reads {
		o.recordResult(threadID, msgID, call, results[i])
	}
	return len(reads)
}

// awaitApproval parks a side-effecting call on the approval gate
// unless its category is auto-approved.
func (o *Orchestrator) awaitApproval(ctx context.Context, threadID, msgID string, call thread.ToolCall) (bool, error) {
	category := o.engine.Registry().Category(call.Name)
	if o.store.AutoApproved(string(category)) {
		return true, nil
	}

	o.updateStatus(threadID, msgID, call.ID, call.Name, thread.StatusAwaiting)
	o.setState(threadID, thread.StateToolPending)
	o.bus.Publish(events.Event{
		Source: events.SourceAgent,
		Kind:   events.KindApprovalRequired,
		Data: map[string]any{
			"thread_id": threadID,
			"call_id":   call.ID,
			"tool":      call.Name,
			"category":  string(category),
		},
	})

	return o.gate.Await(ctx, call.ID)
}

// runCall executes one approved call and records the outcome.
func (o *Orchestrator) runCall(ctx context.Context, threadID, msgID string, call thread.ToolCall) {
	o.updateStatus(threadID, msgID, call.ID, call.Name, thread.StatusRunning)
	result := o.engine.Execute(ctx, call)
	o.recordResult(threadID, msgID, call, result)

	o.bus.Publish(events.Event{
		Source: events.SourceThread,
		Kind:   events.KindChangesUpdated,
		Data:   map[string]any{"thread_id": threadID, "pending": len(o.store.PendingChanges())},
	})
}

func (o *Orchestrator) recordResult(threadID, msgID string, call thread.ToolCall, result tools.Result) {
	status := thread.StatusSuccess
	upd := thread.ToolCallUpdate{Status: &status, Result: &result.Content}
	if result.IsError {
		status = thread.StatusError
		upd.Error = &result.Content
	}
	if err := o.store.UpdateToolCall(msgID, call.ID, upd); err != nil {
		o.logger.Warn("record tool outcome", "call_id", call.ID, "error", err)
	}
	o.publishCallStatus(threadID, call.ID, call.Name, status)
	o.store.AddToolResult(call.ID, call.Name, result.Content, "text")
}

func (o *Orchestrator) rejectCall(msgID string, call thread.ToolCall) {
	o.markRejected(msgID, call.ID)
	o.store.AddToolResult(call.ID, call.Name, RejectionResult, "text")
}

func (o *Orchestrator) markRejected(msgID, callID string) {
	status := thread.StatusRejected
	result := RejectionResult
	if err := o.store.UpdateToolCall(msgID, callID, thread.ToolCallUpdate{Status: &status, Result: &result}); err != nil {
		o.logger.Warn("mark rejected", "call_id", callID, "error", err)
	}
}

// observePhase runs diagnostics over files touched by still-pending
// changes and injects a bounded synthetic user message when problems
// are found, so the next iteration can self-correct.
func (o *Orchestrator) observePhase(ctx context.Context) {
	if o.diags == nil || ctx.Err() != nil {
		return
	}
	pending := o.store.PendingChanges()
	if len(pending) == 0 {
		return
	}

	var all []tools.Diagnostic
	for _, change := range pending {
		diags, err := o.diags.Diagnostics(ctx, change.FilePath)
		if err != nil {
			o.logger.Debug("observe diagnostics", "path", change.FilePath, "error", err)
			continue
		}
		all = append(all, diags...)
	}
	if len(all) == 0 {
		return
	}

	report := tools.FormatDiagnostics(all, o.cfg.Agent.ObserveMaxIssues)
	o.store.AddUserMessage(prompts.ObserveDiagnostics(report), nil)
	o.logger.Info("observe phase reported issues", "count", len(all))
}

// cleanup is the single termination funnel: finalize a dangling
// assistant message, mark in-flight calls aborted when the turn was
// cancelled, and return the thread to idle.
func (o *Orchestrator) cleanup(ctx context.Context, threadID, currentAssistant string, iterations int) {
	if currentAssistant != "" {
		if err := o.store.FinalizeAssistant(currentAssistant); err != nil {
			o.logger.Warn("finalize dangling assistant message", "error", err)
		}
	}

	if ctx.Err() != nil {
		o.abortInFlightCalls(threadID)
	}

	o.setState(threadID, thread.StateIdle)
	o.bus.Publish(events.Event{
		Source: events.SourceAgent,
		Kind:   events.KindTurnComplete,
		Data:   map[string]any{"thread_id": threadID, "iterations": iterations},
	})
}

// abortInFlightCalls marks every non-terminal tool call as an error
// with the abort reason and appends the interrupted marker.
func (o *Orchestrator) abortInFlightCalls(threadID string) {
	interrupted := false
	for _, m := range o.store.Messages() {
		am, ok := m.(*thread.AssistantMessage)
		if !ok {
			continue
		}
		for _, call := range am.OrderedToolCalls() {
			if call.Status.Terminal() {
				continue
			}
			status := thread.StatusError
			reason := AbortReason
			if err := o.store.UpdateToolCall(am.ID, call.ID, thread.ToolCallUpdate{Status: &status, Error: &reason}); err != nil {
				o.logger.Warn("abort tool call", "call_id", call.ID, "error", err)
				continue
			}
			o.publishCallStatus(threadID, call.ID, call.Name, status)
			interrupted = true
		}
	}
	if interrupted {
		o.store.AddInterruptedToolMarker()
	}
}

// surfaceError appends the terminal transport error to the transcript
// so the user sees why the turn stopped.
func (o *Orchestrator) surfaceError(msgID string, err error) {
	class := llm.Classify(err)
	text := fmt.Sprintf("\n\nThe model request failed (%s): %v", class, err)
	if aerr := o.store.AppendToAssistant(msgID, text); aerr != nil {
		o.logger.Warn("surface transport error", "error", aerr)
	}
	o.bus.Publish(events.Event{
		Source: events.SourceAgent,
		Kind:   events.KindError,
		Data:   map[string]any{"thread_id": o.store.CurrentThreadID(), "error": err.Error()},
	})
}

// emitWarning appends a standalone assistant message. Used exactly
// once per tripped loop breaker.
func (o *Orchestrator) emitWarning(text string) {
	msgID := o.store.AddAssistantMessage()
	if err := o.store.AppendToAssistant(msgID, text); err != nil {
		o.logger.Warn("emit warning", "error", err)
	}
	if err := o.store.FinalizeAssistant(msgID); err != nil {
		o.logger.Warn("finalize warning", "error", err)
	}
}

func (o *Orchestrator) setState(threadID string, state thread.State) {
	o.store.SetThreadState(state)
	o.bus.Publish(events.Event{
		Source: events.SourceAgent,
		Kind:   events.KindStateChanged,
		Data:   map[string]any{"thread_id": threadID, "state": string(state)},
	})
}

func (o *Orchestrator) updateStatus(threadID, msgID, callID, name string, status thread.ToolCallStatus) {
	if err := o.store.UpdateToolCall(msgID, callID, thread.ToolCallUpdate{Status: &status}); err != nil {
		o.logger.Warn("update tool status", "call_id", callID, "error", err)
		return
	}
	o.publishCallStatus(threadID, callID, name, status)
}

func (o *Orchestrator) publishCallStatus(threadID, callID, name string, status thread.ToolCallStatus) {
	o.bus.Publish(events.Event{
		Source: events.SourceTools,
		Kind:   events.KindToolCallUpdate,
		Data: map[string]any{
			"thread_id": threadID,
			"call_id":   callID,
			"tool":      name,
			"status":    string(status),
		},
	})
}

func checkpointDescription(content string) string {
	const max = 80
	if len(content) > max {
		return content[:max] + "…"
	}
	return content
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
