package types

import (
	"errors"
	"math"
	"testing"
)

func TestRoundDown(t *testing.T) {
	t.Parallel()

	tests := []struct {
		v, m, want float64
	}{
		{100.5, 1.0, 100.0},
		{100.5, 0.5, 100.5},
		{100.49, 0.5, 100.0},
		{0.29, 0.01, 0.29},
		{123.456, 0.1, 123.4},
		{123.456, 10, 120},
		{7, 0, 7},     // non-positive rounding is a no-op
		{7, -0.5, 7},  // same
		{0.015, 0.01, 0.01},
	}

	for _, tt := range tests {
		if got := RoundDown(tt.v, tt.m); !AlmostEqual(got, tt.want) {
			t.Errorf("RoundDown(%v, %v) = %v, want %v", tt.v, tt.m, got, tt.want)
		}
	}
}

func TestRoundUp(t *testing.T) {
	t.Parallel()

	tests := []struct {
		v, m, want float64
	}{
		{100.5, 1.0, 101.0},
		{100.5, 0.5, 100.5},
		{100.01, 0.5, 100.5},
		{0.29, 0.01, 0.29},
		{123.456, 0.1, 123.5},
		{123.456, 10, 130},
		{7, 0, 7},
		{0.011, 0.01, 0.02},
	}

	for _, tt := range tests {
		if got := RoundUp(tt.v, tt.m); !AlmostEqual(got, tt.want) {
			t.Errorf("RoundUp(%v, %v) = %v, want %v", tt.v, tt.m, got, tt.want)
		}
	}
}

func TestRoundDownIdempotent(t *testing.T) {
	t.Parallel()

	values := []float64{0.29, 1.0, 99.99, 100.5, 12345.678, 0.00013}
	moduli := []float64{0.01, 0.1, 0.5, 1.0, 10}

	for _, v := range values {
		for _, m := range moduli {
			once := RoundDown(v, m)
			twice := RoundDown(once, m)
			if once != twice {
				t.Errorf("RoundDown(RoundDown(%v, %v)) = %v, want %v", v, m, twice, once)
			}
		}
	}
}

func TestRoundUpNeverBelowInput(t *testing.T) {
	t.Parallel()

	values := []float64{0.007, 0.29, 1.0, 50301.3, 99.99}
	for _, v := range values {
		if got := RoundUp(v, 0.01); got < v-FloatTolerance {
			t.Errorf("RoundUp(%v, 0.01) = %v, below input", v, got)
		}
		if got := RoundDown(v, 0.01); got > v+FloatTolerance {
			t.Errorf("RoundDown(%v, 0.01) = %v, above input", v, got)
		}
	}
}

func TestAlmostEqual(t *testing.T) {
	t.Parallel()

	if !AlmostEqual(1.0, 1.0+1e-9) {
		t.Error("values within tolerance should compare equal")
	}
	if AlmostEqual(1.0, 1.0+1e-7) {
		t.Error("values outside tolerance should not compare equal")
	}
	if !AlmostEqual(0, math.Copysign(0, -1)) {
		t.Error("positive and negative zero should compare equal")
	}
}

func TestValidCandleTimeframe(t *testing.T) {
	t.Parallel()

	valid := []string{"1m", "3m", "5m", "15m", "30m", "1h", "2h", "4h", "6h", "8h", "12h", "1d", "3d", "1w", "1M"}
	for _, tf := range valid {
		if !ValidCandleTimeframe(tf) {
			t.Errorf("ValidCandleTimeframe(%q) = false, want true", tf)
		}
	}

	invalid := []string{"", "2m", "1s", "1y", "60", "1H"}
	for _, tf := range invalid {
		if ValidCandleTimeframe(tf) {
			t.Errorf("ValidCandleTimeframe(%q) = true, want false", tf)
		}
	}
}

func TestLiquidationTimeframes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		tf   string
		want int64
	}{
		{"1m", 60_000},
		{"5m", 300_000},
		{"15m", 900_000},
		{"30m", 1_800_000},
		{"1h", 3_600_000},
		{"4h", 14_400_000},
		{"1d", 86_400_000},
	}

	if len(LiquidationTimeframes) != len(tests) {
		t.Fatalf("LiquidationTimeframes has %d entries, want %d", len(LiquidationTimeframes), len(tests))
	}
	for _, tt := range tests {
		if got := LiquidationTimeframes[tt.tf]; got != tt.want {
			t.Errorf("LiquidationTimeframes[%q] = %d, want %d", tt.tf, got, tt.want)
		}
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()

	if Classify(KindInternal, nil) != nil {
		t.Error("Classify(nil) should stay nil")
	}

	base := errors.New("socket closed")
	err := Classify(KindUpstreamTransient, base)

	if got := KindOf(err); got != KindUpstreamTransient {
		t.Errorf("KindOf = %v, want KindUpstreamTransient", got)
	}
	if !errors.Is(err, base) {
		t.Error("classified error should unwrap to the base error")
	}
}

func TestKindOfUnclassified(t *testing.T) {
	t.Parallel()

	if got := KindOf(errors.New("boom")); got != KindInternal {
		t.Errorf("KindOf(plain error) = %v, want KindInternal", got)
	}
}

func TestKindString(t *testing.T) {
	t.Parallel()

	tests := []struct {
		kind Kind
		want string
	}{
		{KindUpstreamTransient, "upstream_transient"},
		{KindUpstreamProtocol, "upstream_protocol"},
		{KindConfigInvalid, "config_invalid"},
		{KindParamInvalid, "param_invalid"},
		{KindSubscriberSend, "subscriber_send"},
		{KindInternal, "internal"},
		{Kind(99), "internal"}, // default
	}

	for _, tt := range tests {
		if got := tt.kind.String(); got != tt.want {
			t.Errorf("Kind(%d).String() = %q, want %q", tt.kind, got, tt.want)
		}
	}
}
