package telemetry

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rjboer/GoVNA/internal/logging"
	"github.com/rjboer/GoVNA/vna"
)

func TestHubDeliversInOrderAndKeepsHistory(t *testing.T) {
	hub := NewHub[int](2)
	var got []string
	hub.Subscribe(func(v int) { got = append(got, "a") })
	hub.Subscribe(func(v int) { got = append(got, "b") })

	for i := 1; i <= 3; i++ {
		hub.Publish(i)
	}
	if strings.Join(got, "") != "ababab" {
		t.Fatalf("unexpected delivery order %v", got)
	}
	hist := hub.History()
	if len(hist) != 2 || hist[0] != 2 || hist[1] != 3 {
		t.Fatalf("expected bounded history [2 3], got %v", hist)
	}
}

func TestHubUnsubscribe(t *testing.T) {
	hub := NewHub[string](0)
	calls := 0
	cancel := hub.Subscribe(func(string) { calls++ })
	hub.Publish("x")
	cancel()
	cancel()
	hub.Publish("y")
	if calls != 1 {
		t.Fatalf("expected 1 call after unsubscribe, got %d", calls)
	}
	if hub.Len() != 0 {
		t.Fatalf("expected no subscribers, got %d", hub.Len())
	}
}

func TestHubUnsubscribeFromCallback(t *testing.T) {
	hub := NewHub[int](4)
	calls := 0
	var cancel func()
	cancel = hub.Subscribe(func(int) {
		calls++
		cancel()
	})
	hub.Publish(1)
	hub.Publish(2)
	if calls != 1 {
		t.Fatalf("expected single delivery, got %d", calls)
	}
}

func TestHubNotifySkipsHistory(t *testing.T) {
	hub := NewHub[int](4)
	seen := 0
	hub.Subscribe(func(v int) { seen = v })
	hub.Notify(7)
	if seen != 7 {
		t.Fatalf("notify not delivered")
	}
	if len(hub.History()) != 0 {
		t.Fatalf("notify must not be recorded")
	}
	hub.Publish(1)
	hub.Reset()
	if len(hub.History()) != 0 {
		t.Fatalf("reset should clear history")
	}
}

func TestNewHubClampsLimit(t *testing.T) {
	if h := NewHub[int](-5); h.historyLimit != minHistoryLimit {
		t.Fatalf("expected clamp to %d, got %d", minHistoryLimit, h.historyLimit)
	}
	if h := NewHub[int](maxHistoryLimit + 1); h.historyLimit != maxHistoryLimit {
		t.Fatalf("expected clamp to %d, got %d", maxHistoryLimit, h.historyLimit)
	}
}

func TestSweepReporterLogsSummary(t *testing.T) {
	var buf bytes.Buffer
	r := NewSweepReporter(logging.New(logging.Info, logging.JSON, &buf))
	res := vna.SweepResult{
		Grid: vna.Grid{StartHz: 200e6, StepHz: 25e6, Points: 3},
		Points: []vna.SParams{
			{S11: 0.5, Valid: true},
			{S11: 0.01, Valid: true},
			{},
		},
	}
	r.Report(res)
	out := buf.String()
	for _, want := range []string{`"missing":1`, `"s11_min_at":"225 MHz"`, `"stop":"250 MHz"`, `"s11_min_db":-40`} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %s in %s", want, out)
		}
	}
}

func TestFormatHz(t *testing.T) {
	if got := FormatHz(1.425e9); got != "1.425 GHz" {
		t.Fatalf("FormatHz = %q", got)
	}
}
