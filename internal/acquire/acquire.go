package acquire

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"voxshift/internal/config"
)

// ErrUnsupportedSource is returned for URLs that are not http(s).
var ErrUnsupportedSource = errors.New("unsupported source url")

// SourceInfo is the descriptive metadata of a source video.
type SourceInfo struct {
	ID       string  `json:"id"`
	Title    string  `json:"title"`
	Duration float64 `json:"duration"`
}

// Acquirer resolves source metadata and extracts its audio track.
type Acquirer interface {
	Resolve(ctx context.Context, url string) (*SourceInfo, error)
	ExtractAudio(ctx context.Context, url, dest string) error
}

type commandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// commandRunner abstracts process execution for testability.
type commandRunner interface {
	Run(ctx context.Context, name string, args ...string) (commandResult, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) (commandResult, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := commandResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		result.ExitCode = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		}
		return result, err
	}
	return result, nil
}

// YtDlp drives the yt-dlp binary.
type YtDlp struct {
	path        string
	audioFormat string
	timeout     time.Duration
	runner      commandRunner
}

func NewYtDlp(cfg config.AcquisitionConfig) *YtDlp {
	return newYtDlp(cfg, execRunner{})
}

func newYtDlp(cfg config.AcquisitionConfig, runner commandRunner) *YtDlp {
	y := &YtDlp{path: cfg.YtDlpPath, audioFormat: cfg.AudioFormat, timeout: cfg.Timeout, runner: runner}
	if y.path == "" {
		y.path = "yt-dlp"
	}
	if y.audioFormat == "" {
		y.audioFormat = "mp3"
	}
	return y
}

// AudioFormat is the container extracted audio is written in.
func (y *YtDlp) AudioFormat() string {
	return y.audioFormat
}

func (y *YtDlp) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if y.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, y.timeout)
}

func checkURL(url string) error {
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return fmt.Errorf("%w: %q", ErrUnsupportedSource, url)
	}
	return nil
}

func (y *YtDlp) Resolve(ctx context.Context, url string) (*SourceInfo, error) {
	if err := checkURL(url); err != nil {
		return nil, err
	}
	ctx, cancel := y.withTimeout(ctx)
	defer cancel()

	res, err := y.runner.Run(ctx, y.path, "-j", "--no-playlist", "--", url)
	if err != nil {
		return nil, fmt.Errorf("yt-dlp metadata for %s (exit %d): %w: %s", url, res.ExitCode, err, lastLine(res.Stderr))
	}
	var info SourceInfo
	if err := json.Unmarshal([]byte(res.Stdout), &info); err != nil {
		return nil, fmt.Errorf("decode yt-dlp metadata for %s: %w", url, err)
	}
	if info.ID == "" {
		return nil, fmt.Errorf("yt-dlp returned no id for %s", url)
	}
	return &info, nil
}

// ExtractAudio writes the audio track of url to dest. The file extension
// of dest is replaced by the configured audio format.
func (y *YtDlp) ExtractAudio(ctx context.Context, url, dest string) error {
	if err := checkURL(url); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	ctx, cancel := y.withTimeout(ctx)
	defer cancel()

	template := strings.TrimSuffix(dest, filepath.Ext(dest)) + ".%(ext)s"
	start := time.Now()
	res, err := y.runner.Run(ctx, y.path,
		"--no-playlist", "--extract-audio", "--audio-format", y.audioFormat,
		"-o", template, "--", url)
	if err != nil {
		return fmt.Errorf("yt-dlp extract %s (exit %d): %w: %s", url, res.ExitCode, err, lastLine(res.Stderr))
	}
	log.WithFields(log.Fields{"url": url, "dest": dest, "elapsed": time.Since(start)}).Debug("Extracted audio")
	return nil
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
