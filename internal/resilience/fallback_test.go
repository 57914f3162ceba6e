package resilience

import (
	"errors"
	"testing"
	"time"
)

func newGroup() *FallbackGroup[string] {
	fg := NewFallbackGroup("primary", "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour},
	})
	fg.AddFallback("secondary", "secondary")
	return fg
}

func TestFallbackGroup_Execute(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		failing map[string]bool
		want    string
		wantErr bool
	}{
		{"primary success", nil, "primary", false},
		{"primary fails", map[string]bool{"primary": true}, "secondary", false},
		{"all fail", map[string]bool{"primary": true, "secondary": true}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var called string
			err := newGroup().Execute(func(v string) error {
				if tt.failing[v] {
					return errTest
				}
				called = v
				return nil
			})
			if tt.wantErr {
				if !errors.Is(err, ErrAllFailed) || !errors.Is(err, errTest) {
					t.Fatalf("err = %v, want ErrAllFailed wrapping errTest", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if called != tt.want {
				t.Errorf("called = %q, want %q", called, tt.want)
			}
		})
	}
}

func TestFallbackGroup_SkipsOpenBreaker(t *testing.T) {
	t.Parallel()
	fg := newGroup()
	primaryCalls := 0
	for range 2 {
		_ = fg.Execute(func(v string) error {
			if v == "primary" {
				primaryCalls++
				return errTest
			}
			return nil
		})
	}

	_, name, err := ExecuteWithResult(fg, func(v string) (string, error) {
		if v == "primary" {
			primaryCalls++
		}
		return v, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if name != "secondary" || primaryCalls != 2 {
		t.Errorf("served by %q after %d primary calls, want secondary after 2", name, primaryCalls)
	}
}

func TestExecuteWithResult_ReportsEntry(t *testing.T) {
	t.Parallel()
	fg := NewFallbackGroup(10, "ten", FallbackConfig{})
	fg.AddFallback("twenty", 20)

	result, name, err := ExecuteWithResult(fg, func(v int) (int, error) {
		if v == 10 {
			return 0, errTest
		}
		return v * 2, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != 40 || name != "twenty" {
		t.Errorf("result = %d from %q, want 40 from twenty", result, name)
	}
	if got := fg.Names(); len(got) != 2 || got[0] != "ten" || got[1] != "twenty" {
		t.Errorf("Names = %v", got)
	}
}
