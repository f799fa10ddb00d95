package actions

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		detail string
		want   Kind
	}{
		{"operation timed out", KindRetryable},
		{"read tcp: connection reset by peer", KindRetryable},
		{"dial tcp: connection refused", KindRetryable},
		{"resource temporarily unavailable", KindRetryable},
		{"open /etc/app.conf: permission denied", KindNonRetryable},
		{"playbook not found", KindNonRetryable},
		{"no such file or directory", KindNonRetryable},
		{"parse error near line 3", KindNonRetryable},
		{"invalid argument", KindNonRetryable},
		{"exit status 1", KindUnknown},
		{"", KindUnknown},
	}
	for _, tt := range tests {
		if got := classify(tt.detail); got != tt.want {
			t.Errorf("classify(%q) = %s, want %s", tt.detail, got, tt.want)
		}
	}
}

func TestShellExecutor(t *testing.T) {
	x := &ShellExecutor{}
	ctx := context.Background()

	out := x.Execute(ctx, &Action{Target: "echo hello"})
	if !out.OK {
		t.Fatalf("echo failed: %+v", out)
	}
	if out.Result["stdout"] != "hello\n" || out.Result["exit_code"] != 0 {
		t.Errorf("result = %+v", out.Result)
	}

	out = x.Execute(ctx, &Action{Target: "echo oops >&2; exit 3"})
	if out.OK {
		t.Fatal("failing command reported OK")
	}
	if out.Result["exit_code"] != 3 || out.Detail != "oops" {
		t.Errorf("exit_code = %v detail = %q", out.Result["exit_code"], out.Detail)
	}

	out = x.Execute(ctx, &Action{Target: "   "})
	if out.Kind != KindNonRetryable {
		t.Errorf("empty command kind = %s, want NON_RETRYABLE", out.Kind)
	}

	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	out = x.Execute(short, &Action{Target: "sleep 5"})
	if out.Kind != KindRetryable {
		t.Errorf("timeout kind = %s, want RETRYABLE", out.Kind)
	}
}

func TestHTTPExecutor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok":
			w.Write([]byte("fine"))
		case "/busy":
			w.WriteHeader(http.StatusServiceUnavailable)
		case "/gone":
			w.WriteHeader(http.StatusNotFound)
		case "/broken":
			w.WriteHeader(http.StatusInternalServerError)
		case "/echo-method":
			w.Write([]byte(r.Method))
		}
	}))
	defer srv.Close()

	x := &HTTPExecutor{Client: srv.Client()}
	ctx := context.Background()

	out := x.Execute(ctx, &Action{Target: srv.URL + "/ok"})
	if !out.OK || out.Result["status_code"] != 200 || out.Result["body"] != "fine" {
		t.Errorf("ok request = %+v", out)
	}

	out = x.Execute(ctx, &Action{Target: srv.URL + "/busy"})
	if out.OK || out.Kind != KindRetryable {
		t.Errorf("503 kind = %s, want RETRYABLE", out.Kind)
	}

	out = x.Execute(ctx, &Action{Target: srv.URL + "/gone"})
	if out.Kind != KindNonRetryable {
		t.Errorf("404 kind = %s, want NON_RETRYABLE", out.Kind)
	}

	out = x.Execute(ctx, &Action{Target: srv.URL + "/broken"})
	if out.Kind != KindUnknown {
		t.Errorf("500 kind = %s, want UNKNOWN", out.Kind)
	}

	out = x.Execute(ctx, &Action{
		Target: srv.URL + "/echo-method",
		Params: map[string]any{"method": "post", "body": "payload"},
	})
	if !out.OK || out.Result["body"] != "POST" {
		t.Errorf("method override = %+v", out)
	}

	out = x.Execute(ctx, &Action{Target: "://bad-url"})
	if out.Kind != KindNonRetryable {
		t.Errorf("malformed url kind = %s, want NON_RETRYABLE", out.Kind)
	}
}

func TestToolExecutor(t *testing.T) {
	x := NewToolExecutor()
	if err := x.RegisterTool("compact", func(ctx context.Context, params map[string]any) (map[string]any, error) {
		return map[string]any{"freed": 42}, nil
	}); err != nil {
		t.Fatal(err)
	}
	if err := x.RegisterTool("compact", nil); err == nil {
		t.Error("duplicate tool registration should error")
	}
	if err := x.RegisterTool("flaky", func(ctx context.Context, params map[string]any) (map[string]any, error) {
		return nil, errors.New("connection reset")
	}); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	out := x.Execute(ctx, &Action{Target: "compact"})
	if !out.OK || out.Result["freed"] != 42 {
		t.Errorf("tool result = %+v", out)
	}
	out = x.Execute(ctx, &Action{Target: "flaky"})
	if out.Kind != KindRetryable {
		t.Errorf("flaky kind = %s, want RETRYABLE", out.Kind)
	}
	out = x.Execute(ctx, &Action{Target: "missing"})
	if out.Kind != KindNonRetryable {
		t.Errorf("missing tool kind = %s, want NON_RETRYABLE", out.Kind)
	}
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	if err := r.Register("shell", &ShellExecutor{}); err == nil {
		t.Error("re-registering a built-in should error")
	}
	if err := r.Register("custom", &okExecutor{}); err != nil {
		t.Errorf("fresh registration errored: %v", err)
	}
	if _, ok := r.Lookup("http"); !ok {
		t.Error("built-in http executor missing")
	}
}
