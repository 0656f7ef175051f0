package clock

import "testing"

func TestTS(t *testing.T) {
	cases := []struct {
		seconds float64
		want    uint64
	}{
		{0, 0},
		{1, SamplesPerSecond},
		{60, 60 * SamplesPerSecond},
		{0.5, SamplesPerSecond / 2},
	}
	for _, c := range cases {
		if got := TS(c.seconds); got != c.want {
			t.Errorf("TS(%v) = %d, want %d", c.seconds, got, c.want)
		}
	}
}

func TestNowIncreasesMonotonically(t *testing.T) {
	a := Now()
	b := Now()
	if b < a {
		t.Errorf("Now() went backwards: %v then %v", a, b)
	}
}
