package rpc

import (
	"encoding/json"
	"fmt"

	"animforge/internal/render"
	"animforge/internal/session"
)

// codeSessionNotFound is the JSON-RPC error code mapped from
// session.ErrNotFound (the HTTP 404 equivalent of this surface).
const codeSessionNotFound = -32004

// dispatchAction routes one action to its handler.
func (s *Server) dispatchAction(action string, raw json.RawMessage) (interface{}, error) {
	switch action {
	case "generate":
		return s.actionGenerate(raw)
	case "status":
		return s.actionStatus(raw)
	case "list":
		return s.actionList()
	case "delete":
		return s.actionDelete(raw)
	case "update_script":
		return s.actionUpdateScript(raw)
	case "render":
		return s.actionRender(raw)
	case "stats":
		return s.actionStats()
	default:
		return nil, fmt.Errorf("unknown action: %s", action)
	}
}

type generateParams struct {
	Prompt        string   `json:"prompt"`
	Model         string   `json:"model,omitempty"`
	Temperature   *float64 `json:"temperature,omitempty"`
	MaxTokens     int      `json:"max_tokens,omitempty"`
	MaxIterations int      `json:"max_iterations,omitempty"`
	Stream        bool     `json:"stream,omitempty"`
}

// Defaults injected by main from the loaded config.
type GenerateDefaults struct {
	Model         string
	Temperature   float64
	MaxTokens     int
	MaxIterations int
}

var generateDefaults = GenerateDefaults{
	Model:         "zai-glm-4.6",
	Temperature:   0.7,
	MaxTokens:     2000,
	MaxIterations: 5,
}

// SetGenerateDefaults installs the config-derived request defaults.
func SetGenerateDefaults(d GenerateDefaults) {
	generateDefaults = d
}

// actionGenerate creates a session and runs the refinement loop to a
// terminal state. With stream=true, each loop transition is forwarded as
// an animforge/progress notification before the final response.
func (s *Server) actionGenerate(raw json.RawMessage) (interface{}, error) {
	var p generateParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("invalid generate params: %w", err)
	}
	if p.Prompt == "" {
		return nil, fmt.Errorf("prompt is required")
	}

	if p.Model == "" {
		p.Model = generateDefaults.Model
	}
	temperature := generateDefaults.Temperature
	if p.Temperature != nil {
		temperature = *p.Temperature
	}
	if p.MaxTokens <= 0 {
		p.MaxTokens = generateDefaults.MaxTokens
	}
	if p.MaxIterations <= 0 {
		p.MaxIterations = generateDefaults.MaxIterations
	}

	sess := s.store.Create(session.Inputs{
		Prompt:        p.Prompt,
		Model:         p.Model,
		Temperature:   temperature,
		MaxTokens:     p.MaxTokens,
		MaxIterations: p.MaxIterations,
	})

	if p.Stream {
		events, err := s.engine.RunStream(s.ctx, sess.ID)
		if err != nil {
			return nil, err
		}
		for ev := range events {
			s.notify("animforge/progress", ev)
		}
		final, err := s.store.Get(sess.ID)
		if err != nil {
			return nil, err
		}
		return sessionResponse(final), nil
	}

	final, err := s.engine.Run(s.ctx, sess.ID)
	if err != nil {
		// The session carries the failed status; surface both.
		return nil, fmt.Errorf("session %s: %w", sess.ID, err)
	}
	return sessionResponse(final), nil
}

type sessionIDParams struct {
	SessionID string `json:"session_id"`
}

func (s *Server) actionStatus(raw json.RawMessage) (interface{}, error) {
	var p sessionIDParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("invalid status params: %w", err)
	}

	sess, err := s.store.Get(p.SessionID)
	if err != nil {
		return nil, err
	}
	return sessionResponse(sess), nil
}

func (s *Server) actionList() (interface{}, error) {
	sessions := s.store.List()
	out := make([]map[string]interface{}, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, map[string]interface{}{
			"session_id":        sess.ID,
			"status":            sess.Status,
			"current_iteration": sess.CurrentIteration,
			"max_iterations":    sess.MaxIterations,
			"created_at":        sess.CreatedAt,
			"updated_at":        sess.UpdatedAt,
		})
	}
	return map[string]interface{}{"sessions": out}, nil
}

func (s *Server) actionDelete(raw json.RawMessage) (interface{}, error) {
	var p sessionIDParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("invalid delete params: %w", err)
	}

	if !s.store.Delete(p.SessionID) {
		return nil, session.ErrNotFound
	}
	return map[string]interface{}{"deleted": true, "session_id": p.SessionID}, nil
}

type updateScriptParams struct {
	SessionID string `json:"session_id"`
	Code      string `json:"code"`
	Validate  *bool  `json:"validate,omitempty"`
}

func (s *Server) actionUpdateScript(raw json.RawMessage) (interface{}, error) {
	var p updateScriptParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("invalid update_script params: %w", err)
	}
	if p.Code == "" {
		return nil, fmt.Errorf("code is required")
	}

	validate := true
	if p.Validate != nil {
		validate = *p.Validate
	}

	sess, verdict, err := s.engine.UpdateScript(s.ctx, p.SessionID, p.Code, validate)
	if err != nil {
		return nil, err
	}

	isValid := !validate || verdict.IsValid
	message := "Code updated"
	if validate && !verdict.IsValid {
		message = "Code has validation errors"
	}
	return map[string]interface{}{
		"session_id":        sess.ID,
		"code":              p.Code,
		"validation_result": verdict,
		"is_valid":          isValid,
		"message":           message,
	}, nil
}

type renderParams struct {
	SessionID       string `json:"session_id"`
	Format          string `json:"format,omitempty"`
	Quality         string `json:"quality,omitempty"`
	BackgroundColor string `json:"background_color,omitempty"`
}

// actionRender renders a session's validated final script.
func (s *Server) actionRender(raw json.RawMessage) (interface{}, error) {
	var p renderParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("invalid render params: %w", err)
	}
	if p.Format == "" {
		p.Format = "mp4"
	}
	if p.Quality == "" {
		p.Quality = "medium"
	}

	sess, err := s.store.Get(p.SessionID)
	if err != nil {
		return nil, err
	}
	if sess.FinalScript == "" {
		return nil, fmt.Errorf("session %s has no validated code to render", sess.ID)
	}

	videoPath, err := s.renderer.Render(s.ctx, render.Request{
		Script:          sess.FinalScript,
		Format:          p.Format,
		Quality:         p.Quality,
		BackgroundColor: p.BackgroundColor,
	})
	if err != nil {
		return nil, fmt.Errorf("rendering failed: %w", err)
	}

	sess.VideoPath = videoPath
	if err := s.store.Update(sess); err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"session_id": sess.ID,
		"video_path": videoPath,
		"format":     p.Format,
		"quality":    p.Quality,
	}, nil
}

func (s *Server) actionStats() (interface{}, error) {
	result := map[string]interface{}{
		"active_sessions": s.store.Count(),
	}

	if s.archive != nil {
		stats, err := s.archive.GetStats()
		if err != nil {
			return nil, fmt.Errorf("failed to read archive stats: %w", err)
		}
		result["archive"] = stats

		if p, err := s.archive.Percentiles("llm_generate", 60); err == nil {
			result["llm_generate_latency"] = map[string]interface{}{
				"p50_ms": p.P50, "p95_ms": p.P95, "p99_ms": p.P99, "count": p.Count,
			}
		}
	}

	return result, nil
}

// sessionResponse maps a session onto the wire payload.
func sessionResponse(sess *session.Session) map[string]interface{} {
	resp := map[string]interface{}{
		"session_id":         sess.ID,
		"status":             sess.Status,
		"current_iteration":  sess.CurrentIteration,
		"max_iterations":     sess.MaxIterations,
		"iterations_history": sess.Iterations,
		"is_complete":        sess.Status.Terminal(),
		"created_at":         sess.CreatedAt,
		"updated_at":         sess.UpdatedAt,
	}
	if sess.FinalScript != "" {
		resp["final_code"] = sess.FinalScript
	}
	if sess.VideoPath != "" {
		resp["rendered_video_path"] = sess.VideoPath
	}
	if sess.ErrorMessage != "" {
		resp["error_message"] = sess.ErrorMessage
	}
	if last := sess.LastIteration(); last != nil {
		resp["generated_code"] = last.Script
		resp["validation_result"] = last.Verdict
	}
	return resp
}
