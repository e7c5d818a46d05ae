package util

import (
	"strings"
	"testing"
	"time"
)

func TestEnvHelpers(t *testing.T) {
	t.Setenv("RF_STR", "  redis://q  ")
	t.Setenv("RF_BOOL", "true")
	t.Setenv("RF_BAD_BOOL", "maybe")
	t.Setenv("RF_INT", "4")
	t.Setenv("RF_FLOAT", "0.35")
	t.Setenv("RF_SECS", "2700")
	t.Setenv("RF_DUR", "10m")
	t.Setenv("RF_BAD_DUR", "soon")

	if got := Env("RF_STR", "x"); got != "redis://q" {
		t.Errorf("Env = %q", got)
	}
	if got := Env("RF_UNSET", "fallback"); got != "fallback" {
		t.Errorf("Env default = %q", got)
	}
	if !BoolEnv("RF_BOOL", false) || BoolEnv("RF_BAD_BOOL", false) {
		t.Error("BoolEnv mismatch")
	}
	if IntEnv("RF_INT", 1) != 4 || IntEnv("RF_STR", 7) != 7 {
		t.Error("IntEnv mismatch")
	}
	if FloatEnv("RF_FLOAT", 0) != 0.35 {
		t.Error("FloatEnv mismatch")
	}

	tests := []struct {
		key  string
		want time.Duration
	}{
		{"RF_SECS", 2700 * time.Second},
		{"RF_DUR", 10 * time.Minute},
		{"RF_BAD_DUR", time.Second},
		{"RF_UNSET", time.Second},
	}
	for _, tt := range tests {
		if got := DurationEnv(tt.key, time.Second); got != tt.want {
			t.Errorf("DurationEnv(%s) = %v, want %v", tt.key, got, tt.want)
		}
	}
}

func TestMustEnvPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic for missing env")
		}
	}()
	MustEnv("RF_DEFINITELY_UNSET")
}

func TestNewID(t *testing.T) {
	a, b := NewID("task"), NewID("task")
	if a == b {
		t.Error("ids must be unique")
	}
	if !strings.HasPrefix(a, "task_") {
		t.Errorf("unexpected id %q", a)
	}
}
