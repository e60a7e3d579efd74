package telegram

import (
	"strings"
	"testing"
	"time"

	"paced/internal/alert"
)

func TestFormatAlertEscapesHTML(t *testing.T) {
	t.Parallel()

	got := formatAlert(alert.Message{
		Source:   "loop/main/probe/procwatch",
		Severity: alert.SevCrit,
		Title:    "process <nginx> down",
		Text:     "pid table & scan",
		At:       time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	})
	if strings.Contains(got, "<nginx>") {
		t.Fatalf("unescaped HTML in %q", got)
	}
	for _, want := range []string{"&lt;nginx&gt;", "&amp; scan", "<b>", "2026-03-01T09:00:00Z"} {
		if !strings.Contains(got, want) {
			t.Fatalf("formatted alert %q missing %q", got, want)
		}
	}
}

func TestSplitMessage(t *testing.T) {
	t.Parallel()

	lines := strings.Repeat("0123456789\n", 100)
	chunks := splitMessage(lines, 95)
	if len(chunks) < 2 {
		t.Fatalf("long text not split: %d chunks", len(chunks))
	}
	for i, c := range chunks {
		if len(c) > 95 {
			t.Fatalf("chunk %d over limit: %d bytes", i, len(c))
		}
	}
	joined := strings.Join(chunks, "\n") + "\n"
	if joined != lines {
		t.Fatal("split lost content")
	}

	if got := splitMessage("short", 95); len(got) != 1 || got[0] != "short" {
		t.Fatalf("short text mangled: %q", got)
	}
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{ChatID: 1}); err == nil {
		t.Fatal("accepted empty token")
	}
	if _, err := New(Config{Token: "123:abc"}); err == nil {
		t.Fatal("accepted zero chat id")
	}
}
