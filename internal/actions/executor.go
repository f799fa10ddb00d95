package actions

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// Executor performs one attempt of an action and reports a typed outcome.
// Executors never retry internally; the queue owns the retry decision.
type Executor interface {
	Execute(ctx context.Context, a *Action) Outcome
}

// Registry maps action types to executors. Registration is append-only;
// re-registering a type is a programming error and is rejected.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

// NewRegistry builds a registry preloaded with the built-in executors.
func NewRegistry() *Registry {
	r := &Registry{executors: make(map[string]Executor)}
	_ = r.Register("shell", &ShellExecutor{})
	_ = r.Register("http", &HTTPExecutor{Client: &http.Client{Timeout: 30 * time.Second}})
	_ = r.Register("tool", NewToolExecutor())
	return r
}

// Register binds typ to exec. Duplicate registrations error.
func (r *Registry) Register(typ string, exec Executor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.executors[typ]; ok {
		return fmt.Errorf("actions: executor %q already registered", typ)
	}
	r.executors[typ] = exec
	return nil
}

// Lookup returns the executor for typ, or false.
func (r *Registry) Lookup(typ string) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	exec, ok := r.executors[typ]
	return exec, ok
}

// classify maps an error detail string onto the taxonomy. Timeouts and
// transient network faults are retryable; permission, missing-resource, and
// malformed-input faults are not; anything else stays UNKNOWN and gets a
// tighter attempt budget.
func classify(detail string) Kind {
	d := strings.ToLower(detail)
	switch {
	case strings.Contains(d, "timeout"),
		strings.Contains(d, "timed out"),
		strings.Contains(d, "connection reset"),
		strings.Contains(d, "connection refused"),
		strings.Contains(d, "temporarily unavailable"):
		return KindRetryable
	case strings.Contains(d, "permission denied"),
		strings.Contains(d, "not found"),
		strings.Contains(d, "no such"),
		strings.Contains(d, "parse"),
		strings.Contains(d, "invalid"):
		return KindNonRetryable
	}
	return KindUnknown
}

// ShellExecutor runs the action target through the shell. Exit status,
// stdout, and stderr land in the outcome result.
type ShellExecutor struct{}

func (x *ShellExecutor) Execute(ctx context.Context, a *Action) Outcome {
	if strings.TrimSpace(a.Target) == "" {
		return Outcome{Kind: KindNonRetryable, Detail: "invalid shell action: empty command"}
	}
	cmd := exec.CommandContext(ctx, "sh", "-c", a.Target)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	exitCode := -1
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}
	result := map[string]any{
		"stdout":    stdout.String(),
		"stderr":    stderr.String(),
		"exit_code": exitCode,
	}
	if err == nil {
		return Outcome{OK: true, Result: result}
	}
	if ctx.Err() == context.DeadlineExceeded {
		return Outcome{Kind: KindRetryable, Detail: "shell command timed out", Result: result}
	}
	detail := strings.TrimSpace(stderr.String())
	if detail == "" {
		detail = err.Error()
	}
	return Outcome{Kind: classify(detail), Detail: detail, Result: result}
}

// HTTPExecutor issues one request per attempt. The method and body come from
// params; the target is the URL.
type HTTPExecutor struct {
	Client *http.Client
}

func (x *HTTPExecutor) Execute(ctx context.Context, a *Action) Outcome {
	method := http.MethodGet
	if m, ok := a.Params["method"].(string); ok && m != "" {
		method = strings.ToUpper(m)
	}
	var body io.Reader
	if b, ok := a.Params["body"].(string); ok && b != "" {
		body = strings.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.Target, body)
	if err != nil {
		return Outcome{Kind: KindNonRetryable, Detail: fmt.Sprintf("invalid request: %v", err)}
	}
	if ct, ok := a.Params["content_type"].(string); ok && ct != "" {
		req.Header.Set("Content-Type", ct)
	}

	resp, err := x.Client.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return Outcome{Kind: KindRetryable, Detail: "http request timed out"}
		}
		return Outcome{Kind: classify(err.Error()), Detail: err.Error()}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	result := map[string]any{
		"status_code": resp.StatusCode,
		"body":        string(respBody),
	}
	switch {
	case resp.StatusCode < 400:
		return Outcome{OK: true, Result: result}
	case resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode == http.StatusBadGateway,
		resp.StatusCode == http.StatusServiceUnavailable,
		resp.StatusCode == http.StatusGatewayTimeout:
		return Outcome{Kind: KindRetryable, Detail: fmt.Sprintf("http status %d", resp.StatusCode), Result: result}
	case resp.StatusCode < 500:
		return Outcome{Kind: KindNonRetryable, Detail: fmt.Sprintf("http status %d", resp.StatusCode), Result: result}
	}
	return Outcome{Kind: KindUnknown, Detail: fmt.Sprintf("http status %d", resp.StatusCode), Result: result}
}

// ToolFunc is an in-process tool implementation.
type ToolFunc func(ctx context.Context, params map[string]any) (map[string]any, error)

// ToolExecutor dispatches to named in-process functions; the action target
// selects the tool.
type ToolExecutor struct {
	mu    sync.RWMutex
	tools map[string]ToolFunc
}

func NewToolExecutor() *ToolExecutor {
	return &ToolExecutor{tools: make(map[string]ToolFunc)}
}

// RegisterTool binds name to fn. Duplicates error, matching the registry.
func (x *ToolExecutor) RegisterTool(name string, fn ToolFunc) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if _, ok := x.tools[name]; ok {
		return fmt.Errorf("actions: tool %q already registered", name)
	}
	x.tools[name] = fn
	return nil
}

func (x *ToolExecutor) Execute(ctx context.Context, a *Action) Outcome {
	x.mu.RLock()
	fn, ok := x.tools[a.Target]
	x.mu.RUnlock()
	if !ok {
		return Outcome{Kind: KindNonRetryable, Detail: fmt.Sprintf("tool %q not found", a.Target)}
	}
	result, err := fn(ctx, a.Params)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return Outcome{Kind: KindRetryable, Detail: "tool call timed out"}
		}
		return Outcome{Kind: classify(err.Error()), Detail: err.Error()}
	}
	return Outcome{OK: true, Result: result}
}
