// Package invoker calls out to backend model endpoints, enforcing a
// timeout and a maximum captured output size, and classifying
// failures into the error taxonomy callers act on.
package invoker

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"os/exec"
	"strings"
	"time"

	"github.com/itskum47/modelrouter/internal/apperr"
)

const (
	defaultTimeout = 120 * time.Second
	defaultMaxSize = 10 << 20 // 10 MiB
)

// Invoker calls a model endpoint for a prompt and returns its text
// result.
type Invoker interface {
	Invoke(ctx context.Context, model, prompt string) (string, error)
}

// classifyInvocationError turns a raw backend error/output into a
// typed outcome. Substring matching on error text is, per spec, a
// known brittleness kept deliberately isolated behind this single
// function so a future typed-outcome invoker can replace it.
func classifyInvocationError(text string, exitErr error) error {
	lower := strings.ToLower(text)
	if strings.Contains(lower, "rate") || strings.Contains(lower, "429") {
		return apperr.New(apperr.RateLimited, text)
	}
	return apperr.Wrap(apperr.InvocationFailed, text, exitErr)
}

// ProcessConfig describes how to launch one model's backend process.
type ProcessConfig struct {
	Path string   // executable path
	Args []string // positional arguments; {{prompt}} is substituted with the prompt
}

// ProcessInvoker launches a subprocess per call with arguments passed
// positionally — the prompt is never concatenated into a shell
// command line.
type ProcessInvoker struct {
	Configs   map[string]ProcessConfig
	Timeout   time.Duration
	MaxOutput int64
}

// NewProcess constructs a ProcessInvoker with spec defaults.
func NewProcess(configs map[string]ProcessConfig) *ProcessInvoker {
	return &ProcessInvoker{Configs: configs, Timeout: defaultTimeout, MaxOutput: defaultMaxSize}
}

// Invoke runs the configured subprocess for model, substituting the
// prompt into its argument list.
func (p *ProcessInvoker) Invoke(ctx context.Context, model, prompt string) (string, error) {
	cfg, ok := p.Configs[model]
	if !ok {
		return "", apperr.New(apperr.NotConfigured, "no process configured for model "+model)
	}

	timeout := p.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := make([]string, len(cfg.Args))
	for i, a := range cfg.Args {
		if a == "{{prompt}}" {
			args[i] = prompt
		} else {
			args[i] = a
		}
	}

	cmd := exec.CommandContext(ctx, cfg.Path, args...)
	var stdout, stderr bytes.Buffer
	maxOutput := p.MaxOutput
	if maxOutput <= 0 {
		maxOutput = defaultMaxSize
	}
	lw := &limitedWriter{w: &stdout, limit: maxOutput}
	cmd.Stdout = lw
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return "", apperr.New(apperr.Timeout, "backend call exceeded timeout")
	}
	if err != nil {
		return "", classifyInvocationError(stderr.String(), err)
	}
	if lw.tripped {
		return "", apperr.New(apperr.InvocationFailed, "output exceeded maximum captured size")
	}
	return stdout.String(), nil
}

// limitedWriter caps how many bytes are captured from a subprocess,
// treating the cap being hit as an invocation failure rather than
// silently truncating.
type limitedWriter struct {
	w       io.Writer
	limit   int64
	written int64
	tripped bool
}

func (l *limitedWriter) Write(p []byte) (int, error) {
	if l.tripped {
		return len(p), nil // drop further output once tripped; caller already failed
	}
	if l.written+int64(len(p)) > l.limit {
		l.tripped = true
		return len(p), nil
	}
	n, err := l.w.Write(p)
	l.written += int64(n)
	return n, err
}

// HTTPConfig describes a loopback HTTP backend target.
type HTTPConfig struct {
	URL string
}

// HTTPInvoker calls a model endpoint over HTTP — used for the
// localhost fallback target and any HTTP-speaking backend.
type HTTPInvoker struct {
	Configs   map[string]HTTPConfig
	Client    *http.Client
	Timeout   time.Duration
	MaxOutput int64
}

// NewHTTP constructs an HTTPInvoker with spec defaults.
func NewHTTP(configs map[string]HTTPConfig) *HTTPInvoker {
	return &HTTPInvoker{Configs: configs, Client: &http.Client{}, Timeout: defaultTimeout, MaxOutput: defaultMaxSize}
}

// Invoke POSTs the prompt as the request body and returns the
// response body as text.
func (h *HTTPInvoker) Invoke(ctx context.Context, model, prompt string) (string, error) {
	cfg, ok := h.Configs[model]
	if !ok {
		return "", apperr.New(apperr.NotConfigured, "no HTTP endpoint configured for model "+model)
	}

	timeout := h.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.URL, strings.NewReader(prompt))
	if err != nil {
		return "", apperr.Wrap(apperr.InvocationFailed, "building request", err)
	}
	req.Header.Set("Content-Type", "text/plain")

	client := h.Client
	if client == nil {
		client = &http.Client{}
	}
	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "", apperr.New(apperr.Timeout, "backend call exceeded timeout")
		}
		return "", apperr.Wrap(apperr.InvocationFailed, "http call failed", err)
	}
	defer resp.Body.Close()

	maxOutput := h.MaxOutput
	if maxOutput <= 0 {
		maxOutput = defaultMaxSize
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxOutput+1))
	if err != nil {
		return "", apperr.Wrap(apperr.InvocationFailed, "reading response", err)
	}
	if int64(len(body)) > maxOutput {
		return "", apperr.New(apperr.InvocationFailed, "response exceeded maximum captured size")
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return "", apperr.New(apperr.RateLimited, "backend returned 429")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", classifyInvocationError(string(body), nil)
	}
	return string(body), nil
}
