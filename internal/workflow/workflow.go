// Package workflow drives the iterative generate-validate-refine loop for
// one session: it asks the text-generation service for a script, validates
// it, and on failure feeds the errors back until the script passes or the
// iteration budget runs out.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"animforge/internal/llm"
	"animforge/internal/session"
)

// maxIterationsMessage is attached to sessions that exhaust their budget.
const maxIterationsMessage = "Maximum iterations reached. Code still has validation errors."

// eventBuffer bounds the streaming channel; a consumer that falls further
// behind than this misses intermediate events rather than pausing the loop.
const eventBuffer = 64

// Generator is the text-generation collaborator.
type Generator interface {
	Complete(ctx context.Context, model string, messages []llm.Message, maxTokens int, temperature float64) (*llm.Result, error)
}

// ScriptValidator is the validation collaborator.
type ScriptValidator interface {
	Validate(ctx context.Context, script string, dryRun bool) *session.Verdict
}

// Recorder receives observability data. Implementations must tolerate
// being called from concurrent session loops; failures are logged by the
// engine, never propagated.
type Recorder interface {
	PublishSession(sess *session.Session) error
	RecordUsage(sessionID, model string, temperature float64, usage llm.Usage, latencyMs int64) error
	RecordLatency(operation string, latencyMs int) error
}

// Engine runs refinement loops against a session store.
type Engine struct {
	store     *session.Store
	generator Generator
	validator ScriptValidator
	recorder  Recorder
}

// NewEngine creates an engine. The recorder is optional.
func NewEngine(store *session.Store, generator Generator, validator ScriptValidator) *Engine {
	return &Engine{
		store:     store,
		generator: generator,
		validator: validator,
	}
}

// WithRecorder attaches an observability recorder.
func (e *Engine) WithRecorder(r Recorder) *Engine {
	e.recorder = r
	return e
}

// Run executes the full loop for a session and returns its terminal state.
// Validation failures drive refinement internally; only generation-call and
// infrastructure failures are returned as errors.
func (e *Engine) Run(ctx context.Context, sessionID string) (*session.Session, error) {
	return e.run(ctx, sessionID, nil)
}

// RunStream executes the loop while emitting an ordered progress event per
// state transition. The channel is closed when the loop reaches a terminal
// state; a slow consumer misses events instead of pausing the loop.
func (e *Engine) RunStream(ctx context.Context, sessionID string) (<-chan Event, error) {
	if _, err := e.store.Get(sessionID); err != nil {
		return nil, err
	}

	events := make(chan Event, eventBuffer)
	go func() {
		defer close(events)
		emit := func(ev Event) {
			select {
			case events <- ev:
			default:
				// Consumer is behind; drop rather than stall the loop.
			}
		}
		if _, err := e.run(ctx, sessionID, emit); err != nil {
			log.Printf("[%s] streaming workflow failed: %v", sessionID, err)
		}
	}()
	return events, nil
}

// decision is the outcome of the Decide state.
type decision int

const (
	decideComplete decision = iota
	decideRefine
	decideExhausted
)

// decide is a pure function of the last verdict and the iteration counter.
// Validity is checked before the budget, so a success on the final allowed
// attempt still completes.
func decide(verdict *session.Verdict, iteration, maxIterations int) decision {
	if verdict.IsValid {
		return decideComplete
	}
	if iteration >= maxIterations {
		return decideExhausted
	}
	return decideRefine
}

func (e *Engine) run(ctx context.Context, sessionID string, emit func(Event)) (*session.Session, error) {
	sess, err := e.store.Get(sessionID)
	if err != nil {
		return nil, err
	}

	log.Printf("[%s] starting workflow: model=%s max_iterations=%d", sess.ID, sess.Model, sess.MaxIterations)

	e.emitEvent(emit, sess, Event{
		Event:   EventStart,
		Message: "Starting code generation workflow...",
	})

	for {
		// Generate.
		sess.Status = session.StatusGenerating
		e.saveSession(sess)

		script, metrics, err := e.generate(ctx, sess)
		if err != nil {
			sess.Status = session.StatusFailed
			sess.ErrorMessage = err.Error()
			e.saveSession(sess)
			e.publishSession(sess)
			e.emitEvent(emit, sess, Event{
				Event:        EventComplete,
				Node:         NodeFailed,
				ErrorMessage: sess.ErrorMessage,
				Message:      "Generation call failed",
			})
			return sess, err
		}

		sess.Status = session.StatusValidating
		e.saveSession(sess)
		e.emitEvent(emit, sess, Event{
			Event:   EventProgress,
			Node:    NodeGenerate,
			Script:  script,
			Message: fmt.Sprintf("Generated %d bytes of code for iteration %d", len(script), sess.CurrentIteration+1),
		})

		// Validate.
		valStart := time.Now()
		verdict := e.validator.Validate(ctx, script, true)
		valElapsed := time.Since(valStart)
		e.recordLatency("validate", valElapsed.Milliseconds())

		iterStatus := session.StatusRefining
		if verdict.IsValid {
			iterStatus = session.StatusSuccess
		}
		sess.Iterations = append(sess.Iterations, session.Iteration{
			Number:     sess.CurrentIteration + 1,
			Script:     script,
			Verdict:    verdict,
			Timestamp:  time.Now().UTC(),
			Status:     iterStatus,
			Generation: metrics,
			Validation: &session.ValidationMetrics{TimeTaken: valElapsed.Seconds()},
		})
		sess.CurrentIteration++
		e.saveSession(sess)
		e.emitEvent(emit, sess, Event{
			Event:   EventProgress,
			Node:    NodeValidate,
			Script:  script,
			Verdict: verdict,
			Message: fmt.Sprintf("Validation completed for iteration %d", sess.CurrentIteration),
		})

		// Decide.
		switch decide(verdict, sess.CurrentIteration, sess.MaxIterations) {
		case decideComplete:
			sess.Status = session.StatusSuccess
			sess.FinalScript = script
			sess.ErrorMessage = ""
			e.saveSession(sess)
			e.publishSession(sess)
			log.Printf("[%s] workflow succeeded after %d iteration(s)", sess.ID, sess.CurrentIteration)
			e.emitEvent(emit, sess, Event{
				Event:   EventComplete,
				Node:    NodeComplete,
				Script:  script,
				Verdict: verdict,
				Message: "Workflow completed successfully",
			})
			return sess, nil

		case decideExhausted:
			sess.Status = session.StatusMaxIterations
			sess.ErrorMessage = maxIterationsMessage
			sess.Iterations[len(sess.Iterations)-1].Status = session.StatusMaxIterations
			e.saveSession(sess)
			e.publishSession(sess)
			log.Printf("[%s] iteration budget exhausted after %d attempt(s)", sess.ID, sess.CurrentIteration)
			e.emitEvent(emit, sess, Event{
				Event:        EventComplete,
				Node:         NodeMaxIterations,
				Script:       script,
				Verdict:      verdict,
				ErrorMessage: maxIterationsMessage,
				Message:      "Maximum iterations reached",
			})
			return sess, nil

		case decideRefine:
			sess.Status = session.StatusRefining
			e.saveSession(sess)
			log.Printf("[%s] iteration %d invalid (%d error(s)), refining", sess.ID, sess.CurrentIteration, len(verdict.Errors))
			e.emitEvent(emit, sess, Event{
				Event:   EventProgress,
				Node:    NodeRefine,
				Verdict: verdict,
				Message: "Preparing refinement with error feedback",
			})
		}
	}
}

// generate performs one generation call: prompt assembly, the external
// completion, and fence stripping.
func (e *Engine) generate(ctx context.Context, sess *session.Session) (string, *session.GenerationMetrics, error) {
	messages := []llm.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: buildUserMessage(sess)},
	}

	startTime := time.Now()
	result, err := e.generator.Complete(ctx, sess.Model, messages, sess.MaxTokens, sess.Temperature)
	if err != nil {
		return "", nil, err
	}
	elapsed := time.Since(startTime)

	e.recordUsage(sess, result)
	e.recordLatency("llm_generate", result.LatencyMs)

	script := llm.StripFences(result.Content)
	metrics := &session.GenerationMetrics{
		TimeTaken:        elapsed.Seconds(),
		PromptTokens:     result.Usage.PromptTokens,
		CompletionTokens: result.Usage.CompletionTokens,
		TotalTokens:      result.Usage.TotalTokens,
		Model:            sess.Model,
	}
	return script, metrics, nil
}

// UpdateScript replaces a session's current script with caller-provided
// text. When validate is true the script runs through the full validator
// and, if valid, is promoted to the session's final script.
func (e *Engine) UpdateScript(ctx context.Context, sessionID, script string, validate bool) (*session.Session, *session.Verdict, error) {
	sess, err := e.store.Get(sessionID)
	if err != nil {
		return nil, nil, err
	}

	var verdict *session.Verdict
	iterStatus := session.StatusSuccess
	if validate {
		verdict = e.validator.Validate(ctx, script, true)
		if !verdict.IsValid {
			iterStatus = session.StatusRefining
		}
	}

	sess.Iterations = append(sess.Iterations, session.Iteration{
		Number:    sess.CurrentIteration + 1,
		Script:    script,
		Verdict:   verdict,
		Timestamp: time.Now().UTC(),
		Status:    iterStatus,
	})
	sess.CurrentIteration++

	if !validate || verdict.IsValid {
		sess.FinalScript = script
		sess.Status = session.StatusSuccess
		sess.ErrorMessage = ""
	}

	if err := e.saveSession(sess); err != nil {
		return nil, nil, err
	}
	return sess, verdict, nil
}

// saveSession writes the session back to the store. A session deleted
// mid-flight stays deleted: the write is logged and skipped.
func (e *Engine) saveSession(sess *session.Session) error {
	err := e.store.Update(sess)
	if errors.Is(err, session.ErrNotFound) {
		log.Printf("[%s] session deleted mid-flight, dropping update", sess.ID)
		return err
	}
	return err
}

// emitEvent fills in the session-derived fields and sends the event.
func (e *Engine) emitEvent(emit func(Event), sess *session.Session, ev Event) {
	if emit == nil {
		return
	}
	ev.SessionID = sess.ID
	ev.Status = sess.Status
	ev.Iteration = sess.CurrentIteration
	ev.MaxIterations = sess.MaxIterations
	ev.History = append([]session.Iteration(nil), sess.Iterations...)
	emit(ev)
}

func (e *Engine) publishSession(sess *session.Session) {
	if e.recorder == nil {
		return
	}
	if err := e.recorder.PublishSession(sess); err != nil {
		log.Printf("[%s] failed to archive session: %v", sess.ID, err)
	}
}

func (e *Engine) recordUsage(sess *session.Session, result *llm.Result) {
	if e.recorder == nil {
		return
	}
	if err := e.recorder.RecordUsage(sess.ID, sess.Model, sess.Temperature, result.Usage, result.LatencyMs); err != nil {
		log.Printf("[%s] failed to record usage: %v", sess.ID, err)
	}
}

func (e *Engine) recordLatency(operation string, ms int64) {
	if e.recorder == nil {
		return
	}
	if err := e.recorder.RecordLatency(operation, int(ms)); err != nil {
		log.Printf("failed to record %s latency: %v", operation, err)
	}
}
