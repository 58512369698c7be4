package batch

import (
	"math"
	"testing"
	"time"
)

func TestNextPageLimitFirstCall(t *testing.T) {
	s := DefaultPullSettings()
	if got := NextPageLimit(s, 0, time.Second); got != s.InitialLimit {
		t.Errorf("NextPageLimit first call = %d, want %d", got, s.InitialLimit)
	}
}

func TestNextPageLimitClockSkew(t *testing.T) {
	s := DefaultPullSettings()
	for _, current := range []int{10, 137, 5000} {
		if got := NextPageLimit(s, current, -5*time.Millisecond); got != current {
			t.Errorf("NextPageLimit(%d, negative) = %d, want unchanged", current, got)
		}
	}
}

func TestNextPageLimitAdjusts(t *testing.T) {
	s := DefaultPullSettings()

	tests := []struct {
		name     string
		current  int
		duration time.Duration
		want     int
	}{
		{"fast page grows by at most 20%", 100, 100 * time.Millisecond, 120},
		{"slow page shrinks by at most 20%", 100, 20 * time.Second, 80},
		{"on target stays", 100, 2 * time.Second, 100},
		{"slightly fast grows proportionally", 100, 1800 * time.Millisecond, 111},
		{"zero duration grows to upper bound", 100, 0, 120},
		{"never above max", 4900, time.Millisecond, 5000},
		{"never below min", 11, time.Minute, 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NextPageLimit(s, tt.current, tt.duration); got != tt.want {
				t.Errorf("NextPageLimit(%d, %v) = %d, want %d", tt.current, tt.duration, got, tt.want)
			}
		})
	}
}

func TestNextPageLimitBounds(t *testing.T) {
	s := DefaultPullSettings()
	durations := []time.Duration{0, time.Microsecond, time.Millisecond, 250 * time.Millisecond, time.Second, 2 * time.Second, 9 * time.Second, time.Minute}

	for current := s.MinLimit; current <= s.MaxLimit; current += 7 {
		for _, d := range durations {
			got := NextPageLimit(s, current, d)
			if got < s.MinLimit || got > s.MaxLimit {
				t.Fatalf("NextPageLimit(%d, %v) = %d, outside [%d, %d]", current, d, got, s.MinLimit, s.MaxLimit)
			}
			lower := int(math.Ceil(float64(current) * (1 - s.MaxLimitChangePerPage)))
			upper := int(math.Floor(float64(current) * (1 + s.MaxLimitChangePerPage)))
			if got < lower && got != s.MinLimit {
				t.Fatalf("NextPageLimit(%d, %v) = %d, dropped more than allowed", current, d, got)
			}
			if got > upper {
				t.Fatalf("NextPageLimit(%d, %v) = %d, grew more than allowed", current, d, got)
			}
		}
	}
}

func TestNextPageLimitNeverZero(t *testing.T) {
	s := Settings{InitialLimit: 1, MinLimit: 1, MaxLimit: 10, OptimalTimePerPage: time.Millisecond, MaxLimitChangePerPage: 0.5}
	limit := 1
	for i := 0; i < 20; i++ {
		limit = NextPageLimit(s, limit, time.Hour)
		if limit < 1 {
			t.Fatalf("limit collapsed to %d", limit)
		}
	}
}

func TestNormalize(t *testing.T) {
	defaults := DefaultPullSettings()

	tests := []struct {
		name     string
		in       Settings
		wantInit int
		wantMin  int
		wantMax  int
	}{
		{"zero uses defaults", Settings{}, 100, 10, 5000},
		{"initial below min is raised", Settings{InitialLimit: 5, MinLimit: 10, MaxLimit: 50}, 10, 10, 50},
		{"initial above max is lowered", Settings{InitialLimit: 900, MinLimit: 10, MaxLimit: 50}, 50, 10, 50},
		{"inverted bounds", Settings{InitialLimit: 30, MinLimit: 40, MaxLimit: 20}, 40, 40, 40},
		{"in range kept", Settings{InitialLimit: 30, MinLimit: 10, MaxLimit: 50}, 30, 10, 50},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.in.Normalize(defaults)
			if got.InitialLimit != tt.wantInit || got.MinLimit != tt.wantMin || got.MaxLimit != tt.wantMax {
				t.Errorf("Normalize = {initial %d, min %d, max %d}, want {%d, %d, %d}",
					got.InitialLimit, got.MinLimit, got.MaxLimit, tt.wantInit, tt.wantMin, tt.wantMax)
			}
		})
	}
}

func TestNormalizedLimitsStayInBounds(t *testing.T) {
	s := Settings{InitialLimit: 5, MinLimit: 10, MaxLimit: 40}.Normalize(DefaultPullSettings())
	limit := 0
	for _, d := range []time.Duration{0, time.Minute, time.Millisecond, time.Minute, 0} {
		limit = NextPageLimit(s, limit, d)
		if limit < s.MinLimit || limit > s.MaxLimit {
			t.Fatalf("limit %d outside [%d, %d]", limit, s.MinLimit, s.MaxLimit)
		}
	}
}

func TestEffectiveBatchSize(t *testing.T) {
	tests := []struct {
		desired, perRow, maxParams, want int
	}{
		{500, 2, 999, 499},
		{100, 2, 999, 100},
		{100, 9, 999, 100},
		{1000, 9, 999, 111},
		{10, 2000, 999, 1},
		{0, 3, 999, 1},
		{50, 0, 999, 50},
	}

	for _, tt := range tests {
		got := EffectiveBatchSize(tt.desired, tt.perRow, tt.maxParams)
		if got != tt.want {
			t.Errorf("EffectiveBatchSize(%d, %d, %d) = %d, want %d", tt.desired, tt.perRow, tt.maxParams, got, tt.want)
		}
		if got < 1 {
			t.Errorf("EffectiveBatchSize returned %d, want >= 1", got)
		}
		if tt.perRow > 0 && tt.perRow <= tt.maxParams && got*tt.perRow > tt.maxParams {
			t.Errorf("EffectiveBatchSize(%d, %d, %d) = %d exceeds parameter ceiling", tt.desired, tt.perRow, tt.maxParams, got)
		}
	}
}

func TestChunk(t *testing.T) {
	items := []int{1, 2, 3, 4, 5, 6, 7}
	chunks := Chunk(items, 3)
	if len(chunks) != 3 {
		t.Fatalf("Chunk returned %d chunks, want 3", len(chunks))
	}
	if len(chunks[2]) != 1 || chunks[2][0] != 7 {
		t.Errorf("last chunk = %v, want [7]", chunks[2])
	}
	if got := Chunk([]int{}, 3); len(got) != 0 {
		t.Errorf("Chunk(empty) = %v, want none", got)
	}
}

func TestPercent(t *testing.T) {
	tests := []struct{ count, total, want int }{
		{0, 10, 0},
		{1, 3, 34},
		{3, 3, 100},
		{5, 0, 100},
		{7, 5, 100},
	}
	for _, tt := range tests {
		if got := Percent(tt.count, tt.total); got != tt.want {
			t.Errorf("Percent(%d, %d) = %d, want %d", tt.count, tt.total, got, tt.want)
		}
	}
}
