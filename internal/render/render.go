// Package render invokes the Manim renderer to turn a validated script
// into a video file.
package render

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"animforge/internal/subproc"
	"animforge/internal/validator"
)

// QualityPreset maps a named quality level onto renderer flags.
type QualityPreset struct {
	Flag       string // manim -q flag
	Resolution string
	FrameRate  int
	MediaDir   string // quality subdirectory under media/videos/<script>/
}

// QualityPresets are the supported quality levels.
var QualityPresets = map[string]QualityPreset{
	"low":    {Flag: "l", Resolution: "854x480", FrameRate: 15, MediaDir: "480p15"},
	"medium": {Flag: "m", Resolution: "1280x720", FrameRate: 30, MediaDir: "720p30"},
	"high":   {Flag: "h", Resolution: "1920x1080", FrameRate: 60, MediaDir: "1080p60"},
	"4k":     {Flag: "k", Resolution: "3840x2160", FrameRate: 60, MediaDir: "2160p60"},
}

// Formats are the supported output container formats.
var Formats = map[string]bool{
	"mp4":  true,
	"webm": true,
	"gif":  true,
	"mov":  true,
}

const defaultRenderTimeout = 30 * time.Minute

// Request describes one render job.
type Request struct {
	Script          string
	Format          string // mp4 | webm | gif | mov
	Quality         string // low | medium | high | 4k
	BackgroundColor string // optional, written to manim.cfg
}

// Renderer runs render jobs through the external renderer subprocess.
type Renderer struct {
	command     []string // e.g. ["python3", "-m", "manim"]
	sceneClass  string
	timeout     time.Duration
	outputDir   string // final videos are copied here
	scratchRoot string
}

// Option configures a Renderer.
type Option func(*Renderer)

// WithCommand sets the renderer command.
func WithCommand(cmd ...string) Option {
	return func(r *Renderer) { r.command = cmd }
}

// WithTimeout bounds one render job.
func WithTimeout(d time.Duration) Option {
	return func(r *Renderer) { r.timeout = d }
}

// WithOutputDir sets where finished videos land.
func WithOutputDir(dir string) Option {
	return func(r *Renderer) { r.outputDir = dir }
}

// WithScratchRoot sets the parent directory for scratch project dirs.
func WithScratchRoot(dir string) Option {
	return func(r *Renderer) { r.scratchRoot = dir }
}

// New creates a Renderer with defaults for a standard Manim installation.
func New(opts ...Option) *Renderer {
	r := &Renderer{
		command:    []string{"python3", "-m", "manim"},
		sceneClass: validator.SceneClassName,
		timeout:    defaultRenderTimeout,
		outputDir:  "videos",
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Render executes one render job and returns the path of the finished
// video in the output directory. The scratch project directory is removed
// on every exit path, including cancellation.
func (r *Renderer) Render(ctx context.Context, req Request) (string, error) {
	preset, ok := QualityPresets[req.Quality]
	if !ok {
		return "", fmt.Errorf("unknown quality preset: %s", req.Quality)
	}
	if !Formats[req.Format] {
		return "", fmt.Errorf("unsupported output format: %s", req.Format)
	}

	dir, err := os.MkdirTemp(r.scratchRoot, "animforge_render_")
	if err != nil {
		return "", fmt.Errorf("failed to create scratch dir: %w", err)
	}
	defer os.RemoveAll(dir)

	scriptPath := filepath.Join(dir, "scene.py")
	if err := os.WriteFile(scriptPath, []byte(req.Script), 0o644); err != nil {
		return "", fmt.Errorf("failed to write script: %w", err)
	}

	if req.BackgroundColor != "" {
		cfg := fmt.Sprintf("[CLI]\nbackground_color = %s\n", req.BackgroundColor)
		if err := os.WriteFile(filepath.Join(dir, "manim.cfg"), []byte(cfg), 0o644); err != nil {
			return "", fmt.Errorf("failed to write manim.cfg: %w", err)
		}
	}

	outputName := "output." + req.Format
	runner := subproc.NewRunner().WithTimeout(r.timeout)
	args := append(append([]string{}, r.command[1:]...),
		"render",
		scriptPath,
		r.sceneClass,
		"-q", preset.Flag,
		"-o", outputName,
		"--format", req.Format,
	)
	result := runner.Run(ctx, dir, nil, r.command[0], args...)

	switch {
	case result.WasTimeout:
		return "", fmt.Errorf("rendering timed out after %s", r.timeout)
	case result.WasCanceled:
		return "", fmt.Errorf("rendering canceled: %w", ctx.Err())
	case result.Err != "":
		return "", fmt.Errorf("renderer failed to start: %s", result.Err)
	case result.ExitCode != 0:
		return "", fmt.Errorf("rendering failed (exit code %d):\nSTDOUT: %s\nSTDERR: %s",
			result.ExitCode, result.Stdout, result.Stderr)
	}

	rendered, err := findOutput(dir, preset, outputName, req.Format)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(r.outputDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create output dir: %w", err)
	}
	finalPath := filepath.Join(r.outputDir, fmt.Sprintf("%s_%d.%s", r.sceneClass, time.Now().UnixNano(), req.Format))
	if err := copyFile(rendered, finalPath); err != nil {
		return "", fmt.Errorf("failed to copy rendered video: %w", err)
	}
	return finalPath, nil
}

// findOutput locates the rendered file. The renderer writes under
// media/videos/<script>/<qualityDir>/ but path layout varies across
// versions, so known locations are tried first with a recursive search as
// fallback.
func findOutput(dir string, preset QualityPreset, outputName, format string) (string, error) {
	candidates := []string{
		filepath.Join(dir, "media", "videos", "scene", preset.MediaDir, outputName),
		filepath.Join(dir, "media", "videos", "scene", outputName),
		filepath.Join(dir, "media", "videos", outputName),
		filepath.Join(dir, "media", outputName),
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	var found string
	mediaDir := filepath.Join(dir, "media")
	_ = filepath.WalkDir(mediaDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if filepath.Ext(path) == "."+format {
			found = path
			return filepath.SkipAll
		}
		return nil
	})
	if found == "" {
		return "", fmt.Errorf("rendered video not found under %s", mediaDir)
	}
	return found, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
