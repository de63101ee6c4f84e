package session

import "time"

// Status tracks where a session (or a single iteration) is in its lifecycle.
type Status string

const (
	StatusGenerating    Status = "generating"
	StatusValidating    Status = "validating"
	StatusRefining      Status = "refining"
	StatusSuccess       Status = "success"
	StatusFailed        Status = "failed"
	StatusMaxIterations Status = "max_iterations_reached"
)

// Terminal reports whether the status ends a session.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusMaxIterations:
		return true
	}
	return false
}

// Verdict is the structured result of script validation.
// Invariant: when IsValid is true, Errors is empty. Warnings are
// informational and may accompany a valid verdict.
type Verdict struct {
	IsValid      bool     `json:"is_valid"`
	Errors       []string `json:"errors"`
	Warnings     []string `json:"warnings"`
	ErrorDetails string   `json:"error_details,omitempty"`
}

// GenerationMetrics records the cost of one generation call.
type GenerationMetrics struct {
	TimeTaken        float64 `json:"time_taken"` // seconds
	PromptTokens     int     `json:"prompt_tokens,omitempty"`
	CompletionTokens int     `json:"completion_tokens,omitempty"`
	TotalTokens      int     `json:"total_tokens,omitempty"`
	Model            string  `json:"model,omitempty"`
}

// ValidationMetrics records the cost of one validation pass.
type ValidationMetrics struct {
	TimeTaken float64 `json:"time_taken"` // seconds
}

// Iteration is one generate+validate attempt within a session.
// Iterations are append-only; Number is 1-based and strictly increasing.
type Iteration struct {
	Number     int                `json:"iteration_number"`
	Script     string             `json:"generated_code"`
	Verdict    *Verdict           `json:"validation_result,omitempty"`
	Timestamp  time.Time          `json:"timestamp"`
	Status     Status             `json:"status"`
	Generation *GenerationMetrics `json:"generation_metrics,omitempty"`
	Validation *ValidationMetrics `json:"validation_metrics,omitempty"`
}

// Session is one end-to-end generation task.
type Session struct {
	ID               string      `json:"session_id"`
	Prompt           string      `json:"prompt"`
	Model            string      `json:"model"`
	Temperature      float64     `json:"temperature"`
	MaxTokens        int         `json:"max_tokens"`
	MaxIterations    int         `json:"max_iterations"`
	CurrentIteration int         `json:"current_iteration"`
	Iterations       []Iteration `json:"iterations"`
	Status           Status      `json:"status"`
	FinalScript      string      `json:"final_code,omitempty"`
	VideoPath        string      `json:"rendered_video_path,omitempty"`
	ErrorMessage     string      `json:"error_message,omitempty"`
	CreatedAt        time.Time   `json:"created_at"`
	UpdatedAt        time.Time   `json:"updated_at"`
}

// LastIteration returns the most recent iteration, or nil if none exist.
func (s *Session) LastIteration() *Iteration {
	if len(s.Iterations) == 0 {
		return nil
	}
	return &s.Iterations[len(s.Iterations)-1]
}

// Clone returns a deep copy of the session so callers can read and mutate
// it without racing the store or the loop.
func (s *Session) Clone() *Session {
	c := *s
	c.Iterations = make([]Iteration, len(s.Iterations))
	copy(c.Iterations, s.Iterations)
	for i := range c.Iterations {
		if v := s.Iterations[i].Verdict; v != nil {
			vc := *v
			vc.Errors = append([]string(nil), v.Errors...)
			vc.Warnings = append([]string(nil), v.Warnings...)
			c.Iterations[i].Verdict = &vc
		}
		if g := s.Iterations[i].Generation; g != nil {
			gc := *g
			c.Iterations[i].Generation = &gc
		}
		if vm := s.Iterations[i].Validation; vm != nil {
			vmc := *vm
			c.Iterations[i].Validation = &vmc
		}
	}
	return &c
}
