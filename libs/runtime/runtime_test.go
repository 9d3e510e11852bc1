package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestReadyz(t *testing.T) {
	mux := NewBaseMuxWithReady(
		ReadyCheck{Name: "storage", Check: func(context.Context) error { return nil }},
		ReadyCheck{Name: "redis", Check: func(context.Context) error { return errors.New("down") }},
		ReadyCheck{Name: "kafka", Check: func(context.Context) error { return errors.New("no brokers") }},
	)

	rw := httptest.NewRecorder()
	mux.ServeHTTP(rw, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rw.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rw.Code)
	}
	var body readiness
	if err := json.Unmarshal(rw.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "unavailable" || len(body.Failures) != 2 || body.Failures[0] != "kafka: no brokers" || body.Failures[1] != "redis: down" {
		t.Fatalf("body=%+v", body)
	}

	rw = httptest.NewRecorder()
	mux.ServeHTTP(rw, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rw.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rw.Code)
	}
}

func TestRunChecksAppliesTimeout(t *testing.T) {
	start := time.Now()
	failures := RunChecks(context.Background(), []ReadyCheck{{Name: "slow", Check: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}}})
	if len(failures) != 1 || !strings.HasPrefix(failures[0], "slow: ") {
		t.Fatalf("failures=%v", failures)
	}
	if time.Since(start) > checkTimeout+time.Second {
		t.Fatalf("check ran past its timeout")
	}
}

func TestShutdownRunsEveryStep(t *testing.T) {
	var order []string
	step := func(name string, err error) Closer {
		return Closer{Name: name, Close: func(context.Context) error {
			order = append(order, name)
			return err
		}}
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	failed := Shutdown(logger, time.Second, step("http", nil), step("feed", errors.New("boom")), Closer{Name: "nil"}, step("otel", nil))
	if failed != 1 || strings.Join(order, ",") != "http,feed,otel" {
		t.Fatalf("failed=%d order=%v", failed, order)
	}
}

func TestNewLoggerFormats(t *testing.T) {
	var buf bytes.Buffer
	newLogger(&buf, "scheduling-service", "warn", "text").Info("hidden")
	newLogger(&buf, "scheduling-service", "warn", "text").Warn("shown")
	if out := buf.String(); strings.Contains(out, "hidden") || !strings.Contains(out, "service=scheduling-service") {
		t.Fatalf("text output=%q", out)
	}
	buf.Reset()
	newLogger(&buf, "scheduling-service", "info", "").Info("hello")
	if !strings.HasPrefix(buf.String(), "{") {
		t.Fatalf("expected json, got %q", buf.String())
	}
}
