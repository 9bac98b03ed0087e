package utilx_test

import (
	"testing"
	"time"

	"go.klb.dev/overthetop/internal/utilx"
)

func TestCurveNext(t *testing.T) {
	base := time.Second
	cases := []struct {
		curve   utilx.Curve
		attempt int
		want    time.Duration
	}{
		{utilx.Constant, 1, time.Second},
		{utilx.Constant, 5, time.Second},
		{utilx.Linear, 1, time.Second},
		{utilx.Linear, 3, 3 * time.Second},
		{utilx.Quadratic, 3, 9 * time.Second},
		{utilx.Exponential, 1, time.Second},
		{utilx.Exponential, 2, 2 * time.Second},
		{utilx.Exponential, 3, 4 * time.Second},
		{utilx.Exponential, 0, time.Second}, // attempt clamped to 1
	}
	for _, c := range cases {
		got := c.curve.Next(base, c.attempt)
		if got != c.want {
			t.Errorf("%s.Next(%s, %d) = %s, want %s", c.curve, base, c.attempt, got, c.want)
		}
	}
}

func TestParseCurveRoundTrip(t *testing.T) {
	for _, c := range []utilx.Curve{utilx.Constant, utilx.Linear, utilx.Quadratic, utilx.Exponential} {
		if got := utilx.ParseCurve(c.String()); got != c {
			t.Errorf("ParseCurve(%q) = %v, want %v", c.String(), got, c)
		}
	}
}

func TestParseCurveUnknownDefaultsConstant(t *testing.T) {
	if got := utilx.ParseCurve("nonsense"); got != utilx.Constant {
		t.Errorf("ParseCurve(unknown) = %v, want Constant", got)
	}
}

func TestAddTabs(t *testing.T) {
	in := "a\nb\nc"
	got := utilx.AddTabs(in, 2, "  ")
	want := "    a\n    b\n    c"
	if got != want {
		t.Errorf("AddTabs() = %q, want %q", got, want)
	}
}

func TestAddTabsDefaults(t *testing.T) {
	got := utilx.AddTabs("x", 0, "")
	if got != "\tx" {
		t.Errorf("AddTabs default = %q, want %q", got, "\tx")
	}
}
