package logx

import (
	"strings"
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNew_Levels(t *testing.T) {
	for _, lvl := range []string{"debug", "info", "WARN", " error "} {
		l, err := New(lvl, "json")
		if err != nil {
			t.Errorf("New(%q): %v", lvl, err)
			continue
		}
		l.Sync()
	}
}

func TestNew_Console(t *testing.T) {
	l, err := New("info", "console")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !l.Core().Enabled(zapcore.InfoLevel) {
		t.Error("info level should be enabled")
	}
}

func TestNew_BadLevel(t *testing.T) {
	_, err := New("loud", "json")
	if err == nil || !strings.Contains(err.Error(), "logx: level") {
		t.Fatalf("err = %v, want level error", err)
	}
}

func TestNew_BadFormat(t *testing.T) {
	_, err := New("info", "xml")
	if err == nil || !strings.Contains(err.Error(), "unknown format") {
		t.Fatalf("err = %v, want format error", err)
	}
}

func TestOrNop(t *testing.T) {
	if OrNop(nil) == nil {
		t.Fatal("OrNop(nil) returned nil")
	}
}
