package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"animforge/internal/llm"
	"animforge/internal/session"
)

const goodScript = `from manim import *

class GeneratedScene(Scene):
    def construct(self):
        self.wait()
`

// stubGenerator replays canned responses, one per call.
type stubGenerator struct {
	mu        sync.Mutex
	responses []string
	err       error
	calls     int
	messages  [][]llm.Message
}

func (g *stubGenerator) Complete(ctx context.Context, model string, messages []llm.Message, maxTokens int, temperature float64) (*llm.Result, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.calls++
	g.messages = append(g.messages, messages)
	if g.err != nil {
		return nil, g.err
	}

	content := g.responses[0]
	if len(g.responses) > 1 {
		g.responses = g.responses[1:]
	}
	return &llm.Result{
		Content:   content,
		Model:     model,
		Usage:     llm.Usage{PromptTokens: 10, CompletionTokens: 20, TotalTokens: 30},
		LatencyMs: 5,
	}, nil
}

// stubValidator replays canned verdicts, one per call.
type stubValidator struct {
	mu       sync.Mutex
	verdicts []*session.Verdict
	calls    int
}

func (v *stubValidator) Validate(ctx context.Context, script string, dryRun bool) *session.Verdict {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.calls++
	verdict := v.verdicts[0]
	if len(v.verdicts) > 1 {
		v.verdicts = v.verdicts[1:]
	}
	return verdict
}

func validVerdict() *session.Verdict {
	return &session.Verdict{IsValid: true, Errors: []string{}, Warnings: []string{}}
}

func invalidVerdict(errs ...string) *session.Verdict {
	return &session.Verdict{IsValid: false, Errors: errs, Warnings: []string{}}
}

func newTestSession(store *session.Store, maxIterations int) *session.Session {
	return store.Create(session.Inputs{
		Prompt:        "animate a circle",
		Model:         "zai-glm-4.6",
		Temperature:   0.7,
		MaxTokens:     2000,
		MaxIterations: maxIterations,
	})
}

func TestDecide(t *testing.T) {
	tests := []struct {
		name      string
		valid     bool
		iteration int
		max       int
		expected  decision
	}{
		{"valid first try", true, 1, 5, decideComplete},
		{"invalid with budget left", false, 1, 5, decideRefine},
		{"invalid at budget", false, 5, 5, decideExhausted},
		{"valid at budget", true, 5, 5, decideComplete},
		{"invalid past budget", false, 6, 5, decideExhausted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			verdict := &session.Verdict{IsValid: tt.valid}
			if got := decide(verdict, tt.iteration, tt.max); got != tt.expected {
				t.Errorf("decide(valid=%v, %d/%d) = %d, expected %d",
					tt.valid, tt.iteration, tt.max, got, tt.expected)
			}
		})
	}
}

func TestRunFirstTrySuccess(t *testing.T) {
	store := session.NewStore()
	gen := &stubGenerator{responses: []string{"```python\n" + goodScript + "```"}}
	val := &stubValidator{verdicts: []*session.Verdict{validVerdict()}}
	engine := NewEngine(store, gen, val)
	sess := newTestSession(store, 5)

	final, err := engine.Run(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if final.Status != session.StatusSuccess {
		t.Errorf("Expected status %s, got %s", session.StatusSuccess, final.Status)
	}
	if len(final.Iterations) != 1 {
		t.Fatalf("Expected exactly 1 iteration, got %d", len(final.Iterations))
	}
	if final.Iterations[0].Number != 1 {
		t.Errorf("Expected iteration number 1, got %d", final.Iterations[0].Number)
	}
	if final.Iterations[0].Status != session.StatusSuccess {
		t.Errorf("Expected iteration status %s, got %s", session.StatusSuccess, final.Iterations[0].Status)
	}
	if final.FinalScript == "" {
		t.Error("Expected final script to be set")
	}
	if final.FinalScript != llm.StripFences("```python\n"+goodScript+"```") {
		t.Error("Final script should be the fence-stripped generation")
	}
	if gen.calls != 1 {
		t.Errorf("Expected 1 generation call, got %d", gen.calls)
	}
}

func TestRunExhaustsBudget(t *testing.T) {
	store := session.NewStore()
	gen := &stubGenerator{responses: []string{"x = 1"}}
	val := &stubValidator{verdicts: []*session.Verdict{
		invalidVerdict("Code must contain a 'GeneratedScene' class"),
	}}
	engine := NewEngine(store, gen, val)
	sess := newTestSession(store, 3)

	final, err := engine.Run(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if final.Status != session.StatusMaxIterations {
		t.Errorf("Expected status %s, got %s", session.StatusMaxIterations, final.Status)
	}
	if final.ErrorMessage != maxIterationsMessage {
		t.Errorf("Unexpected error message: %q", final.ErrorMessage)
	}
	if len(final.Iterations) != 3 {
		t.Fatalf("Expected exactly 3 iterations, got %d", len(final.Iterations))
	}
	for i, iter := range final.Iterations {
		if iter.Number != i+1 {
			t.Errorf("Iteration %d has number %d", i, iter.Number)
		}
	}
	// Every attempt is refining except the last, which carries the
	// terminal decision.
	for _, iter := range final.Iterations[:2] {
		if iter.Status != session.StatusRefining {
			t.Errorf("Iteration %d expected status %s, got %s", iter.Number, session.StatusRefining, iter.Status)
		}
	}
	if last := final.LastIteration(); last.Status != session.StatusMaxIterations {
		t.Errorf("Last iteration expected status %s, got %s", session.StatusMaxIterations, last.Status)
	}
	if final.FinalScript != "" {
		t.Error("Exhausted session should have no final script")
	}
	if gen.calls != 3 {
		t.Errorf("Expected 3 generation calls, got %d", gen.calls)
	}
}

func TestRunRefinesThenSucceeds(t *testing.T) {
	store := session.NewStore()
	gen := &stubGenerator{responses: []string{"x = 1", goodScript}}
	val := &stubValidator{verdicts: []*session.Verdict{
		invalidVerdict("Code must contain a 'GeneratedScene' class"),
		validVerdict(),
	}}
	engine := NewEngine(store, gen, val)
	sess := newTestSession(store, 5)

	final, err := engine.Run(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if final.Status != session.StatusSuccess {
		t.Errorf("Expected status %s, got %s", session.StatusSuccess, final.Status)
	}
	if len(final.Iterations) != 2 {
		t.Fatalf("Expected 2 iterations, got %d", len(final.Iterations))
	}

	// The second generation call must carry the first attempt's errors.
	if len(gen.messages) != 2 {
		t.Fatalf("Expected 2 recorded calls, got %d", len(gen.messages))
	}
	refinement := gen.messages[1][1].Content
	for _, want := range []string{"ORIGINAL REQUEST: animate a circle", "x = 1", "GeneratedScene"} {
		if !strings.Contains(refinement, want) {
			t.Errorf("Refinement prompt missing %q:\n%s", want, refinement)
		}
	}
}

func TestRunSuccessOnFinalAttempt(t *testing.T) {
	// Validity is checked before the budget: a pass on the last allowed
	// attempt completes rather than exhausting.
	store := session.NewStore()
	gen := &stubGenerator{responses: []string{"x = 1", "x = 2", goodScript}}
	val := &stubValidator{verdicts: []*session.Verdict{
		invalidVerdict("bad"),
		invalidVerdict("bad"),
		validVerdict(),
	}}
	engine := NewEngine(store, gen, val)
	sess := newTestSession(store, 3)

	final, err := engine.Run(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if final.Status != session.StatusSuccess {
		t.Errorf("Expected status %s, got %s", session.StatusSuccess, final.Status)
	}
	if len(final.Iterations) != 3 {
		t.Errorf("Expected 3 iterations, got %d", len(final.Iterations))
	}
}

func TestRunWarningsOnlyCompletes(t *testing.T) {
	store := session.NewStore()
	gen := &stubGenerator{responses: []string{goodScript}}
	val := &stubValidator{verdicts: []*session.Verdict{
		{IsValid: true, Errors: []string{}, Warnings: []string{"Code may be missing Manim imports"}},
	}}
	engine := NewEngine(store, gen, val)
	sess := newTestSession(store, 5)

	final, err := engine.Run(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if final.Status != session.StatusSuccess {
		t.Errorf("Warnings must not block completion, got status %s", final.Status)
	}
	if gen.calls != 1 {
		t.Errorf("Warnings must not trigger refinement, got %d calls", gen.calls)
	}
}

func TestRunGenerationFailure(t *testing.T) {
	store := session.NewStore()
	genErr := fmt.Errorf("%w: API error (status 503)", llm.ErrGeneration)
	gen := &stubGenerator{err: genErr}
	val := &stubValidator{verdicts: []*session.Verdict{validVerdict()}}
	engine := NewEngine(store, gen, val)
	sess := newTestSession(store, 5)

	final, err := engine.Run(context.Background(), sess.ID)
	if !errors.Is(err, llm.ErrGeneration) {
		t.Fatalf("Expected ErrGeneration, got %v", err)
	}

	if final.Status != session.StatusFailed {
		t.Errorf("Expected status %s, got %s", session.StatusFailed, final.Status)
	}
	if final.ErrorMessage == "" {
		t.Error("Expected error message on failed session")
	}
	if val.calls != 0 {
		t.Errorf("Validation should not run after a generation failure, got %d calls", val.calls)
	}

	stored, err := store.Get(sess.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if stored.Status != session.StatusFailed {
		t.Errorf("Failure not persisted, stored status %s", stored.Status)
	}
}

func TestRunUnknownSession(t *testing.T) {
	store := session.NewStore()
	engine := NewEngine(store, &stubGenerator{}, &stubValidator{})

	if _, err := engine.Run(context.Background(), "no-such-session"); !errors.Is(err, session.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestRunDeletedMidFlight(t *testing.T) {
	store := session.NewStore()
	sess := newTestSession(store, 5)

	gen := &stubGenerator{responses: []string{goodScript}}
	val := &stubValidator{verdicts: []*session.Verdict{validVerdict()}}
	engine := NewEngine(store, gen, val)

	// Delete before the loop's first write: updates are dropped and the
	// session stays gone.
	store.Delete(sess.ID)

	final, err := engine.Run(context.Background(), sess.ID)
	if !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("Expected ErrNotFound for deleted session, got %v (final=%v)", err, final)
	}
	if _, err := store.Get(sess.ID); !errors.Is(err, session.ErrNotFound) {
		t.Error("Deleted session must stay deleted")
	}
}

func TestRunStreamEventOrdering(t *testing.T) {
	store := session.NewStore()
	gen := &stubGenerator{responses: []string{"x = 1", goodScript}}
	val := &stubValidator{verdicts: []*session.Verdict{
		invalidVerdict("bad"),
		validVerdict(),
	}}
	engine := NewEngine(store, gen, val)
	sess := newTestSession(store, 5)

	events, err := engine.RunStream(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("RunStream failed: %v", err)
	}

	var collected []Event
	for ev := range events {
		collected = append(collected, ev)
	}

	if len(collected) == 0 {
		t.Fatal("Expected events")
	}
	if collected[0].Event != EventStart {
		t.Errorf("First event should be %s, got %s", EventStart, collected[0].Event)
	}
	last := collected[len(collected)-1]
	if last.Event != EventComplete {
		t.Errorf("Last event should be %s, got %s", EventComplete, last.Event)
	}
	if last.Node != NodeComplete {
		t.Errorf("Last node should be %s, got %s", NodeComplete, last.Node)
	}

	// Expected transition order across two iterations.
	var nodes []string
	for _, ev := range collected[1 : len(collected)-1] {
		nodes = append(nodes, ev.Node)
	}
	expected := []string{NodeGenerate, NodeValidate, NodeRefine, NodeGenerate, NodeValidate}
	if len(nodes) != len(expected) {
		t.Fatalf("Expected %d intermediate events, got %d: %v", len(expected), len(nodes), nodes)
	}
	for i, node := range nodes {
		if node != expected[i] {
			t.Errorf("Event %d: expected node %s, got %s", i+1, expected[i], node)
		}
	}

	// Every event carries the session id and the budget.
	for _, ev := range collected {
		if ev.SessionID != sess.ID {
			t.Errorf("Event missing session id: %+v", ev)
		}
		if ev.MaxIterations != 5 {
			t.Errorf("Event missing max iterations: %+v", ev)
		}
	}
}

func TestRunStreamExhaustion(t *testing.T) {
	store := session.NewStore()
	gen := &stubGenerator{responses: []string{"x = 1"}}
	val := &stubValidator{verdicts: []*session.Verdict{invalidVerdict("bad")}}
	engine := NewEngine(store, gen, val)
	sess := newTestSession(store, 2)

	events, err := engine.RunStream(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("RunStream failed: %v", err)
	}

	var last Event
	for ev := range events {
		last = ev
	}

	if last.Event != EventComplete {
		t.Errorf("Expected final %s event, got %s", EventComplete, last.Event)
	}
	if last.Node != NodeMaxIterations {
		t.Errorf("Expected node %s, got %s", NodeMaxIterations, last.Node)
	}
	if last.ErrorMessage != maxIterationsMessage {
		t.Errorf("Unexpected error message: %q", last.ErrorMessage)
	}
	if last.Status != session.StatusMaxIterations {
		t.Errorf("Expected status %s, got %s", session.StatusMaxIterations, last.Status)
	}
}

func TestRunStreamUnknownSession(t *testing.T) {
	store := session.NewStore()
	engine := NewEngine(store, &stubGenerator{}, &stubValidator{})

	if _, err := engine.RunStream(context.Background(), "no-such-session"); !errors.Is(err, session.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestUpdateScriptValid(t *testing.T) {
	store := session.NewStore()
	val := &stubValidator{verdicts: []*session.Verdict{validVerdict()}}
	engine := NewEngine(store, &stubGenerator{}, val)
	sess := newTestSession(store, 5)

	updated, verdict, err := engine.UpdateScript(context.Background(), sess.ID, goodScript, true)
	if err != nil {
		t.Fatalf("UpdateScript failed: %v", err)
	}

	if !verdict.IsValid {
		t.Fatalf("Expected valid verdict, got %v", verdict.Errors)
	}
	if updated.FinalScript != goodScript {
		t.Error("Valid manual update should be promoted to final script")
	}
	if updated.Status != session.StatusSuccess {
		t.Errorf("Expected status %s, got %s", session.StatusSuccess, updated.Status)
	}
	if len(updated.Iterations) != 1 {
		t.Errorf("Expected manual update to append an iteration, got %d", len(updated.Iterations))
	}
}

func TestUpdateScriptInvalid(t *testing.T) {
	store := session.NewStore()
	val := &stubValidator{verdicts: []*session.Verdict{invalidVerdict("bad")}}
	engine := NewEngine(store, &stubGenerator{}, val)
	sess := newTestSession(store, 5)

	updated, verdict, err := engine.UpdateScript(context.Background(), sess.ID, "x = 1", true)
	if err != nil {
		t.Fatalf("UpdateScript failed: %v", err)
	}

	if verdict.IsValid {
		t.Fatal("Expected invalid verdict")
	}
	if updated.FinalScript != "" {
		t.Error("Invalid manual update must not become the final script")
	}
}

func TestUpdateScriptSkipValidation(t *testing.T) {
	store := session.NewStore()
	val := &stubValidator{verdicts: []*session.Verdict{invalidVerdict("should not be called")}}
	engine := NewEngine(store, &stubGenerator{}, val)
	sess := newTestSession(store, 5)

	updated, verdict, err := engine.UpdateScript(context.Background(), sess.ID, "x = 1", false)
	if err != nil {
		t.Fatalf("UpdateScript failed: %v", err)
	}

	if verdict != nil {
		t.Errorf("Expected nil verdict without validation, got %+v", verdict)
	}
	if val.calls != 0 {
		t.Errorf("Validator should not be called, got %d calls", val.calls)
	}
	if updated.FinalScript != "x = 1" {
		t.Error("Unvalidated update should still set the final script")
	}
}

func TestUpdateScriptUnknownSession(t *testing.T) {
	store := session.NewStore()
	engine := NewEngine(store, &stubGenerator{}, &stubValidator{})

	if _, _, err := engine.UpdateScript(context.Background(), "gone", "x = 1", false); !errors.Is(err, session.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

// recordingRecorder captures recorder calls for assertions.
type recordingRecorder struct {
	mu        sync.Mutex
	published []string
	usage     int
	latency   map[string]int
}

func (r *recordingRecorder) PublishSession(sess *session.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.published = append(r.published, sess.ID)
	return nil
}

func (r *recordingRecorder) RecordUsage(sessionID, model string, temperature float64, usage llm.Usage, latencyMs int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.usage++
	return nil
}

func (r *recordingRecorder) RecordLatency(operation string, latencyMs int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.latency == nil {
		r.latency = make(map[string]int)
	}
	r.latency[operation]++
	return nil
}

func TestRunRecordsObservability(t *testing.T) {
	store := session.NewStore()
	gen := &stubGenerator{responses: []string{goodScript}}
	val := &stubValidator{verdicts: []*session.Verdict{validVerdict()}}
	rec := &recordingRecorder{}
	engine := NewEngine(store, gen, val).WithRecorder(rec)
	sess := newTestSession(store, 5)

	if _, err := engine.Run(context.Background(), sess.ID); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(rec.published) != 1 || rec.published[0] != sess.ID {
		t.Errorf("Expected terminal session publish, got %v", rec.published)
	}
	if rec.usage != 1 {
		t.Errorf("Expected 1 usage record, got %d", rec.usage)
	}
	if rec.latency["llm_generate"] != 1 {
		t.Errorf("Expected llm_generate latency sample, got %v", rec.latency)
	}
	if rec.latency["validate"] != 1 {
		t.Errorf("Expected validate latency sample, got %v", rec.latency)
	}
}

func TestRunStreamSlowConsumerTerminates(t *testing.T) {
	// A consumer that never reads must not stall the loop; the channel
	// still closes once the session terminates.
	store := session.NewStore()
	gen := &stubGenerator{responses: []string{"x = 1"}}
	val := &stubValidator{verdicts: []*session.Verdict{invalidVerdict("bad")}}
	engine := NewEngine(store, gen, val)
	sess := newTestSession(store, 3)

	events, err := engine.RunStream(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("RunStream failed: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-events:
			if !ok {
				return // closed, loop finished
			}
		case <-deadline:
			t.Fatal("Stream did not close; loop may be stalled on a slow consumer")
		}
	}
}

