package invoker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/itskum47/modelrouter/internal/apperr"
)

func TestProcessInvokerNotConfigured(t *testing.T) {
	inv := NewProcess(nil)
	_, err := inv.Invoke(context.Background(), "missing", "hi")
	if !apperr.Is(err, apperr.NotConfigured) {
		t.Fatalf("expected NotConfigured, got %v", err)
	}
}

func TestProcessInvokerRunsArgv(t *testing.T) {
	inv := NewProcess(map[string]ProcessConfig{
		"echo": {Path: "/bin/echo", Args: []string{"-n", "{{prompt}}"}},
	})
	out, err := inv.Invoke(context.Background(), "echo", "hello; rm -rf /")
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if out != "hello; rm -rf /" {
		t.Fatalf("expected prompt passed through verbatim as an argv element, got %q", out)
	}
}

func TestProcessInvokerTimeout(t *testing.T) {
	inv := NewProcess(map[string]ProcessConfig{
		"sleep": {Path: "/bin/sleep", Args: []string{"1"}},
	})
	inv.Timeout = 10 * time.Millisecond
	_, err := inv.Invoke(context.Background(), "sleep", "x")
	if !apperr.Is(err, apperr.Timeout) {
		t.Fatalf("expected Timeout, got %v", err)
	}
}

func TestProcessInvokerNonZeroExit(t *testing.T) {
	inv := NewProcess(map[string]ProcessConfig{
		"false": {Path: "/bin/false", Args: nil},
	})
	_, err := inv.Invoke(context.Background(), "false", "x")
	if !apperr.Is(err, apperr.InvocationFailed) {
		t.Fatalf("expected InvocationFailed, got %v", err)
	}
}

func TestHTTPInvokerSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("pong"))
	}))
	defer srv.Close()

	inv := NewHTTP(map[string]HTTPConfig{"local": {URL: srv.URL}})
	out, err := inv.Invoke(context.Background(), "local", "ping")
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if out != "pong" {
		t.Fatalf("expected pong, got %q", out)
	}
}

func TestHTTPInvokerRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	inv := NewHTTP(map[string]HTTPConfig{"local": {URL: srv.URL}})
	_, err := inv.Invoke(context.Background(), "local", "ping")
	if !apperr.Is(err, apperr.RateLimited) {
		t.Fatalf("expected RateLimited, got %v", err)
	}
}

func TestHTTPInvokerMaxOutputExceeded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Repeat("x", 100)))
	}))
	defer srv.Close()

	inv := NewHTTP(map[string]HTTPConfig{"local": {URL: srv.URL}})
	inv.MaxOutput = 10
	_, err := inv.Invoke(context.Background(), "local", "ping")
	if !apperr.Is(err, apperr.InvocationFailed) {
		t.Fatalf("expected InvocationFailed for oversized response, got %v", err)
	}
}

func TestHTTPInvokerNotConfigured(t *testing.T) {
	inv := NewHTTP(nil)
	_, err := inv.Invoke(context.Background(), "missing", "x")
	if !apperr.Is(err, apperr.NotConfigured) {
		t.Fatalf("expected NotConfigured, got %v", err)
	}
}
