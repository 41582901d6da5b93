package backoff_test

import (
	"math"
	"testing"
	"time"

	"github.com/ramiqadoumi/go-task-dispatch/pkg/backoff"
)

func TestQuadratic(t *testing.T) {
	q := backoff.Quadratic{Base: time.Second}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 4 * time.Second},
		{3, 9 * time.Second},
	}
	for _, tt := range tests {
		if got := q.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestExponential_DoublesAndCaps(t *testing.T) {
	e := backoff.NewExponential(time.Second, 5*time.Second)
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second}
	for i, w := range want {
		if got := e.Delay(i + 1); got != w {
			t.Errorf("Delay(%d) = %v, want %v", i+1, got, w)
		}
	}
}

func TestExponentialWithJitter_WithinBounds(t *testing.T) {
	e := backoff.NewExponentialWithJitter(100*time.Millisecond, time.Second)
	for attempt := 1; attempt <= 8; attempt++ {
		upper := time.Duration(float64(100*time.Millisecond) * math.Pow(2, float64(attempt-1)))
		if upper > time.Second {
			upper = time.Second
		}
		for i := 0; i < 50; i++ {
			if got := e.Delay(attempt); got < 0 || got > upper {
				t.Fatalf("Delay(%d) = %v, want in [0, %v]", attempt, got, upper)
			}
		}
	}
}

func TestPoll_Curve(t *testing.T) {
	p := backoff.DefaultPoll()
	p.Rand = func() float64 { return p.QuickProbability }

	want := []float64{2, 2, 3, 5, 8, 11, 17, 26, 38, 58, 60, 60}
	for attempt, w := range want {
		if got := math.Round(p.Seconds(attempt)); got != w {
			t.Errorf("Seconds(%d) = %v, want %v", attempt, got, w)
		}
	}
}

func TestPoll_QuickComeback(t *testing.T) {
	p := backoff.DefaultPoll()
	p.Rand = func() float64 { return p.QuickProbability - 0.01 }

	for attempt := 0; attempt < 12; attempt++ {
		if got := p.Seconds(attempt); got != 1.0 {
			t.Errorf("Seconds(%d) = %v, want 1.0", attempt, got)
		}
	}
	if got := p.Delay(3); got != time.Second {
		t.Errorf("Delay(3) = %v, want 1s", got)
	}
}
