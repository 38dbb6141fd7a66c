package tokens

import (
	"errors"
	"math"
	"testing"
)

func TestEstimatorCount(t *testing.T) {
	e := NewEstimator("test-model")

	tests := []struct {
		name string
		text string
		want int
	}{
		{"empty", "", 0},
		{"single word", "hello", 1},
		{"four words", "what are the prerequisites", 3},
		{"eight words", "I want to learn about machine learning courses", 6},
		{"cjk", "数据库系统", 8},
		{"whitespace only", "   ", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := e.Count(tt.text); got != tt.want {
				t.Errorf("Count(%q) = %d, want %d", tt.text, got, tt.want)
			}
		})
	}
}

func TestEstimatorDeterministic(t *testing.T) {
	e := NewEstimator("test-model")
	text := "the same input must always count the same"
	first := e.Count(text)
	for i := 0; i < 10; i++ {
		if got := e.Count(text); got != first {
			t.Fatalf("Count changed between calls: %d then %d", first, got)
		}
	}
}

func TestEstimateTurnCost(t *testing.T) {
	got, err := EstimateTurnCost(1500, 0.002)
	if err != nil {
		t.Fatalf("EstimateTurnCost error: %v", err)
	}
	if math.Abs(got-0.003) > 1e-12 {
		t.Errorf("EstimateTurnCost(1500, 0.002) = %g, want 0.003", got)
	}

	if _, err := EstimateTurnCost(-1, 0.002); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("negative tokens: err = %v, want ErrInvalidArgument", err)
	}
	if _, err := EstimateTurnCost(100, -0.5); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("negative rate: err = %v, want ErrInvalidArgument", err)
	}
}

func TestProjectGrowth(t *testing.T) {
	series, err := ProjectGrowth(1000, 250, 4)
	if err != nil {
		t.Fatalf("ProjectGrowth error: %v", err)
	}
	want := []int{1250, 1500, 1750, 2000}
	if len(series) != len(want) {
		t.Fatalf("series length = %d, want %d", len(series), len(want))
	}
	for i := range want {
		if series[i] != want[i] {
			t.Errorf("series[%d] = %d, want %d", i, series[i], want[i])
		}
	}
}

func TestProjectGrowthZeroTurns(t *testing.T) {
	series, err := ProjectGrowth(500, 100, 0)
	if err != nil {
		t.Fatalf("ProjectGrowth error: %v", err)
	}
	if len(series) != 0 {
		t.Errorf("series length = %d, want 0", len(series))
	}
}

func TestProjectGrowthInvalidInputs(t *testing.T) {
	cases := []struct {
		name                 string
		start, perTurn, turn int
	}{
		{"negative start", -1, 100, 5},
		{"negative per turn", 100, -1, 5},
		{"negative turns", 100, 100, -5},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ProjectGrowth(tt.start, tt.perTurn, tt.turn); !errors.Is(err, ErrInvalidArgument) {
				t.Errorf("err = %v, want ErrInvalidArgument", err)
			}
		})
	}
}
