// Package validator checks candidate animation scripts before they reach
// the renderer: Python syntax, the scene structural contract, and an
// optional Manim dry-run in a subprocess.
package validator

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"animforge/internal/session"
	"animforge/internal/subproc"
)

const (
	// SceneClassName is the entry-point class the renderer invokes.
	SceneClassName = "GeneratedScene"
	// EntryMethodName is the method the renderer calls on the scene class.
	EntryMethodName = "construct"

	defaultDryRunTimeout = 10 * time.Minute
	syntaxCheckTimeout   = 30 * time.Second
)

// ProgressFunc receives stage-level progress updates during validation.
type ProgressFunc func(stage, message string)

// Validator runs the three-stage validation pipeline.
type Validator struct {
	interpreter   []string // e.g. ["python3"]
	renderer      []string // e.g. ["python3", "-m", "manim"]
	sceneClass    string
	entryMethod   string
	dryRunTimeout time.Duration
	scratchRoot   string // parent dir for per-run scratch dirs ("" = os temp)
	mediaDir      string // shared media dir passed to the renderer for cache reuse
}

// Option configures a Validator.
type Option func(*Validator)

// WithInterpreter sets the Python interpreter command.
func WithInterpreter(cmd ...string) Option {
	return func(v *Validator) { v.interpreter = cmd }
}

// WithRenderer sets the Manim renderer command.
func WithRenderer(cmd ...string) Option {
	return func(v *Validator) { v.renderer = cmd }
}

// WithContract overrides the required scene class and entry method names.
func WithContract(class, method string) Option {
	return func(v *Validator) {
		v.sceneClass = class
		v.entryMethod = method
	}
}

// WithDryRunTimeout bounds the dry-run subprocess.
func WithDryRunTimeout(d time.Duration) Option {
	return func(v *Validator) { v.dryRunTimeout = d }
}

// WithScratchRoot sets the parent directory for scratch dirs.
func WithScratchRoot(dir string) Option {
	return func(v *Validator) { v.scratchRoot = dir }
}

// WithMediaDir sets the media directory handed to the renderer.
func WithMediaDir(dir string) Option {
	return func(v *Validator) { v.mediaDir = dir }
}

// New creates a Validator with defaults suitable for a standard Manim
// installation.
func New(opts ...Option) *Validator {
	v := &Validator{
		interpreter:   []string{"python3"},
		renderer:      []string{"python3", "-m", "manim"},
		sceneClass:    SceneClassName,
		entryMethod:   EntryMethodName,
		dryRunTimeout: defaultDryRunTimeout,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate runs the pipeline against script, short-circuiting on the first
// failing stage. The dry-run stage only runs when dryRun is true and the
// earlier stages passed. Validate never returns an error: subprocess spawn
// failures, timeouts, and cancellation all surface as a failed verdict.
func (v *Validator) Validate(ctx context.Context, script string, dryRun bool) *session.Verdict {
	return v.ValidateProgress(ctx, script, dryRun, nil)
}

// ValidateProgress is Validate with stage-level progress reporting.
func (v *Validator) ValidateProgress(ctx context.Context, script string, dryRun bool, progress ProgressFunc) *session.Verdict {
	emit := func(stage, message string) {
		if progress != nil {
			progress(stage, message)
		}
	}

	verdict := &session.Verdict{Errors: []string{}, Warnings: []string{}}

	// Stage 1: syntax.
	emit("syntax", "Validating Python syntax")
	if syntaxErr, details := v.checkSyntax(ctx, script); syntaxErr != "" {
		verdict.Errors = append(verdict.Errors, syntaxErr)
		verdict.ErrorDetails = details
		emit("failed", "Syntax validation failed")
		return verdict
	}
	emit("syntax", "Syntax validation passed")

	// Non-fatal import check: warn only, never block.
	emit("imports", "Checking Manim imports")
	if !strings.Contains(script, "from manim import") && !strings.Contains(script, "import manim") {
		verdict.Warnings = append(verdict.Warnings, "Code may be missing Manim imports")
	}

	// Stage 2: structural contract.
	emit("structure", "Validating scene structure")
	if errs := v.checkStructure(script); len(errs) > 0 {
		verdict.Errors = append(verdict.Errors, errs...)
		emit("failed", "Structure validation failed")
		return verdict
	}
	emit("structure", "Structure validation passed")

	// Stage 3: dry-run (slow path).
	if dryRun {
		emit("dry_run", "Starting Manim dry-run validation")
		if errs, details := v.runDryRun(ctx, script, emit); len(errs) > 0 {
			verdict.Errors = append(verdict.Errors, errs...)
			verdict.ErrorDetails = details
			emit("failed", "Dry-run validation failed")
			return verdict
		}
	}

	verdict.IsValid = true
	emit("completed", "All validations passed")
	return verdict
}

// syntaxLineRe pulls the line number out of CPython's SyntaxError report.
var syntaxLineRe = regexp.MustCompile(`line (\d+)`)

// checkSyntax compiles the script with the interpreter's own parser
// (py_compile). Returns a single error string, or "" when the script parses.
func (v *Validator) checkSyntax(ctx context.Context, script string) (string, string) {
	dir, err := os.MkdirTemp(v.scratchRoot, "animforge_syntax_")
	if err != nil {
		return fmt.Sprintf("Syntax check failed: %v", err), ""
	}
	defer os.RemoveAll(dir)

	scriptPath := filepath.Join(dir, "scene.py")
	if err := os.WriteFile(scriptPath, []byte(script), 0o644); err != nil {
		return fmt.Sprintf("Syntax check failed: %v", err), ""
	}

	runner := subproc.NewRunner().WithTimeout(syntaxCheckTimeout)
	args := append(append([]string{}, v.interpreter[1:]...), "-m", "py_compile", scriptPath)
	result := runner.Run(ctx, dir, nil, v.interpreter[0], args...)

	if result.Ok() {
		return "", ""
	}
	if result.Err != "" {
		// Spawn failure, timeout, or cancellation: still a failed verdict.
		return fmt.Sprintf("Syntax check failed: %s", result.Err), result.Stderr
	}

	line := "unknown"
	if m := syntaxLineRe.FindStringSubmatch(result.Stderr); m != nil {
		line = m[1]
	}
	msg := lastNonEmptyLine(result.Stderr)
	if msg == "" {
		msg = "invalid syntax"
	}
	return fmt.Sprintf("Syntax Error at line %s: %s", line, msg), result.Stderr
}

// checkStructure enforces the entry-point contract: the script must declare
// the scene class and its entry method. Violations are always errors.
func (v *Validator) checkStructure(script string) []string {
	var errs []string
	if !strings.Contains(script, "class "+v.sceneClass) {
		errs = append(errs, fmt.Sprintf("Code must contain a '%s' class", v.sceneClass))
		return errs
	}
	if !strings.Contains(script, "def "+v.entryMethod+"(self)") {
		errs = append(errs, fmt.Sprintf("%s must have a '%s' method", v.sceneClass, v.entryMethod))
	}
	return errs
}

// runDryRun executes the renderer with the dry-run flag in a scratch
// directory. The scratch dir is removed on every exit path.
func (v *Validator) runDryRun(ctx context.Context, script string, emit ProgressFunc) ([]string, string) {
	dir, err := os.MkdirTemp(v.scratchRoot, "animforge_validate_")
	if err != nil {
		return []string{fmt.Sprintf("Validation error: %v", err)}, ""
	}
	defer func() {
		os.RemoveAll(dir)
		emit("cleanup", "Cleaned up temporary files")
	}()

	scriptPath := filepath.Join(dir, "scene.py")
	if err := os.WriteFile(scriptPath, []byte(script), 0o644); err != nil {
		return []string{fmt.Sprintf("Validation error: %v", err)}, ""
	}

	mediaDir := v.mediaDir
	if mediaDir == "" {
		mediaDir = filepath.Join(dir, "media")
	}
	if err := os.MkdirAll(mediaDir, 0o755); err != nil {
		return []string{fmt.Sprintf("Validation error: %v", err)}, ""
	}

	runner := subproc.NewRunner().WithTimeout(v.dryRunTimeout)
	args := append(append([]string{}, v.renderer[1:]...),
		"--dry_run",
		"--verbosity", "INFO",
		"--media_dir", mediaDir,
		scriptPath,
		v.sceneClass,
	)
	result := runner.Run(ctx, dir, func(stream, line string) {
		if line != "" {
			log.Printf("dry-run %s: %s", stream, line)
		}
	}, v.renderer[0], args...)

	switch {
	case result.WasTimeout:
		return []string{fmt.Sprintf("Validation timeout after %d seconds", int(v.dryRunTimeout.Seconds()))}, result.Stderr
	case result.WasCanceled:
		return []string{"Validation was cancelled"}, result.Stderr
	case result.Err != "":
		return []string{fmt.Sprintf("Validation error: %s", result.Err)}, result.Stderr
	case result.ExitCode != 0:
		errs := extractErrorLines(result.Stderr)
		if len(errs) == 0 {
			errs = []string{"Manim validation failed"}
		}
		details := fmt.Sprintf("STDOUT:\n%s\n\nSTDERR:\n%s", result.Stdout, result.Stderr)
		return errs, details
	}
	return nil, ""
}

// extractErrorLines pulls the meaningful failure lines out of renderer
// stderr.
func extractErrorLines(stderr string) []string {
	var errs []string
	for _, line := range strings.Split(stderr, "\n") {
		if strings.Contains(line, "Error") || strings.Contains(line, "Exception") || strings.Contains(line, "Traceback") {
			errs = append(errs, strings.TrimSpace(line))
		}
	}
	return errs
}

func lastNonEmptyLine(s string) string {
	lines := strings.Split(s, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if trimmed := strings.TrimSpace(lines[i]); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
