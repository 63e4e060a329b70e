package main

import (
	"testing"
	"time"
)

func TestJitteredIntervalWithSampleBounds(t *testing.T) {
	base := time.Minute
	for _, sample := range []float64{0, 0.25, 0.5, 0.75, 1} {
		delay := jitteredIntervalWithSample(base, 0.1, sample)
		min := time.Duration(float64(base) * 0.9)
		max := time.Duration(float64(base) * 1.1)
		if delay < min || delay > max {
			t.Errorf("sample %v: delay %s outside [%s, %s]", sample, delay, min, max)
		}
	}
}

func TestJitteredIntervalWithSampleMidpointIsBase(t *testing.T) {
	if got := jitteredIntervalWithSample(time.Minute, 0.1, 0.5); got != time.Minute {
		t.Fatalf("expected base interval at midpoint sample, got %s", got)
	}
}

func TestJitteredIntervalWithSampleZeroJitter(t *testing.T) {
	if got := jitteredIntervalWithSample(time.Minute, 0, 0.9); got != time.Minute {
		t.Fatalf("expected base interval with zero jitter, got %s", got)
	}
}

func TestJitteredIntervalWithSampleNonPositiveBase(t *testing.T) {
	if got := jitteredIntervalWithSample(0, 0.5, 0.5); got != 0 {
		t.Fatalf("expected 0 for zero base, got %s", got)
	}
	if got := jitteredIntervalWithSample(-time.Second, 0.5, 0.5); got != 0 {
		t.Fatalf("expected 0 for negative base, got %s", got)
	}
}

func TestJitteredIntervalWithSampleClampsToMillisecond(t *testing.T) {
	if got := jitteredIntervalWithSample(time.Microsecond, 1, 0); got != time.Millisecond {
		t.Fatalf("expected millisecond floor, got %s", got)
	}
}

func TestClampJitterRatio(t *testing.T) {
	for _, tc := range []struct {
		in, want float64
	}{
		{-1, 0}, {0, 0}, {0.3, 0.3}, {1, 1}, {2.5, 1},
	} {
		if got := clampJitterRatio(tc.in); got != tc.want {
			t.Errorf("clampJitterRatio(%v) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestEnvOrDefault(t *testing.T) {
	t.Setenv("TABLERELAY_TEST_STR", "  value  ")
	if got := envOrDefault("TABLERELAY_TEST_STR", "fallback"); got != "value" {
		t.Fatalf("expected trimmed value, got %q", got)
	}
	t.Setenv("TABLERELAY_TEST_STR", "   ")
	if got := envOrDefault("TABLERELAY_TEST_STR", "fallback"); got != "fallback" {
		t.Fatalf("expected fallback for blank value, got %q", got)
	}
}

func TestDurationEnv(t *testing.T) {
	t.Setenv("TABLERELAY_TEST_DUR", "30s")
	if got := durationEnv("TABLERELAY_TEST_DUR", time.Minute); got != 30*time.Second {
		t.Fatalf("expected 30s, got %s", got)
	}
	t.Setenv("TABLERELAY_TEST_DUR", "not-a-duration")
	if got := durationEnv("TABLERELAY_TEST_DUR", time.Minute); got != time.Minute {
		t.Fatalf("expected fallback for invalid duration, got %s", got)
	}
}

func TestInt64Env(t *testing.T) {
	t.Setenv("TABLERELAY_TEST_INT", "2048")
	if got := int64Env("TABLERELAY_TEST_INT", 1); got != 2048 {
		t.Fatalf("expected 2048, got %d", got)
	}
	t.Setenv("TABLERELAY_TEST_INT", "2048.5")
	if got := int64Env("TABLERELAY_TEST_INT", 1); got != 1 {
		t.Fatalf("expected fallback for invalid int, got %d", got)
	}
}

func TestFloatEnv(t *testing.T) {
	t.Setenv("TABLERELAY_TEST_FLOAT", "0.25")
	if got := floatEnv("TABLERELAY_TEST_FLOAT", 0.1); got != 0.25 {
		t.Fatalf("expected 0.25, got %v", got)
	}
	t.Setenv("TABLERELAY_TEST_FLOAT", "much")
	if got := floatEnv("TABLERELAY_TEST_FLOAT", 0.1); got != 0.1 {
		t.Fatalf("expected fallback for invalid float, got %v", got)
	}
}
