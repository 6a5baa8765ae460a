package logger

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"trace", LevelTrace, false},
		{"DEBUG", LevelDebug, false},
		{"Info", LevelInfo, false},
		{"", LevelInfo, false},
		{"warning", LevelWarning, false},
		{"WARN", LevelWarning, false},
		{" error ", LevelError, false},
		{"FATAL", LevelFatal, false},
		{"verbose", LevelInfo, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

// capture routes output to a buffer for the duration of the test.
func capture(t *testing.T) *bytes.Buffer {
	t.Helper()
	prevLevel, prevRate := GetLevel(), sampleRate.Load()
	var buf bytes.Buffer
	install(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: LevelTrace}))
	t.Cleanup(func() {
		SetLevel(prevLevel)
		sampleRate.Store(prevRate)
		install(slog.NewJSONHandler(&bytes.Buffer{}, nil))
	})
	return &buf
}

func TestConfigure(t *testing.T) {
	capture(t)

	if err := Configure(context.Background(), Options{Level: "error", SampleRate: 10}); err != nil {
		t.Fatalf("Configure failed: %v", err)
	}
	if GetLevel() != LevelError {
		t.Errorf("level = %v, want ERROR", GetLevel())
	}
	if sampleRate.Load() != 10 {
		t.Errorf("sample rate = %d, want 10", sampleRate.Load())
	}

	if err := Configure(context.Background(), Options{Level: "loud"}); err == nil {
		t.Error("Expected error for unknown level")
	}
}

func TestLevelFilterStillCounts(t *testing.T) {
	buf := capture(t)
	SetLevel(LevelError)

	before := Counters()["warnings"]
	Info("hidden")
	Warn("counted but hidden", "rule_id", "r1")
	Error("shown", "rule_id", "r2")

	if d := Counters()["warnings"] - before; d != 1 {
		t.Errorf("warnings delta = %d, want 1", d)
	}
	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("records below the level were written: %s", out)
	}
	if !strings.Contains(out, `"rule_id":"r2"`) {
		t.Errorf("expected error record, got %s", out)
	}
}

func TestSamplingDropsOutputNotCounts(t *testing.T) {
	buf := capture(t)
	SetLevel(LevelInfo)
	sampleRate.Store(1_000_000)

	before := Counters()["errors"]
	for i := 0; i < 50; i++ {
		Error("noisy")
	}
	if d := Counters()["errors"] - before; d != 50 {
		t.Errorf("errors delta = %d, want 50", d)
	}
	if n := strings.Count(buf.String(), "noisy"); n > 5 {
		t.Errorf("expected sampling to drop most records, %d written", n)
	}
}

func TestObserveHTTPStatus(t *testing.T) {
	before := Counters()

	ObserveHTTPStatus(200)
	ObserveHTTPStatus(400)
	ObserveHTTPStatus(404)
	ObserveHTTPStatus(503)

	after := Counters()
	if d := after["http_4xx"] - before["http_4xx"]; d != 2 {
		t.Errorf("http_4xx delta = %d, want 2", d)
	}
	if d := after["http_5xx"] - before["http_5xx"]; d != 1 {
		t.Errorf("http_5xx delta = %d, want 1", d)
	}
	if d := after["http_404"] - before["http_404"]; d != 1 {
		t.Errorf("http_404 delta = %d, want 1", d)
	}
}

func TestAlertCooldownStoreBypassesSampling(t *testing.T) {
	buf := capture(t)
	sampleRate.Store(1_000_000)

	before := Counters()["cooldown_alerts"]
	for i := 0; i < 3; i++ {
		AlertCooldownStore("cooldown store unavailable", "rule_id", "r1")
	}

	if d := Counters()["cooldown_alerts"] - before; d != 3 {
		t.Errorf("cooldown_alerts delta = %d, want 3", d)
	}
	if n := strings.Count(buf.String(), "cooldown store unavailable"); n != 3 {
		t.Errorf("expected every alert written, got %d", n)
	}
}

func TestWith(t *testing.T) {
	buf := capture(t)
	SetLevel(LevelInfo)

	With("org_id", "org-1").Info("batch started")
	if !strings.Contains(buf.String(), `"org_id":"org-1"`) {
		t.Errorf("expected org_id attribute, got %s", buf.String())
	}
}
