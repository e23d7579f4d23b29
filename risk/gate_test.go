package risk

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestGateRejectsOversizedOrder(t *testing.T) {
	t.Parallel()

	g := NewGate(dec("100"), dec("500"))
	err := g.Check("u1", "poly", "MKT1", "YES", dec("150"), "test")

	var rej *Rejection
	if !errors.As(err, &rej) {
		t.Fatalf("err = %v, want Rejection", err)
	}
	if rej.Rule != "max_order_notional" {
		t.Fatalf("rule = %s, want max_order_notional", rej.Rule)
	}
	if !rej.Headroom.Equal(dec("100")) {
		t.Fatalf("headroom = %s, want 100", rej.Headroom)
	}
}

func TestGateExposureAccumulatesAndReleases(t *testing.T) {
	t.Parallel()

	g := NewGate(decimal.Zero, dec("100"))

	if err := g.Check("u1", "poly", "MKT1", "YES", dec("60"), "a"); err != nil {
		t.Fatal(err)
	}
	if err := g.Check("u1", "poly", "MKT1", "YES", dec("30"), "b"); err != nil {
		t.Fatal(err)
	}

	// 90 of 100 reserved: headroom 10, a 20 request fails.
	err := g.Check("u1", "poly", "MKT1", "YES", dec("20"), "c")
	var rej *Rejection
	if !errors.As(err, &rej) {
		t.Fatalf("err = %v, want Rejection", err)
	}
	if rej.Rule != "max_exposure" || !rej.Headroom.Equal(dec("10")) {
		t.Fatalf("rejection = %+v, want max_exposure with headroom 10", rej)
	}

	// Rejected checks reserve nothing.
	if !g.Exposure("poly", "MKT1", "YES").Equal(dec("90")) {
		t.Fatalf("exposure = %s, want 90", g.Exposure("poly", "MKT1", "YES"))
	}

	g.Release("poly", "MKT1", "YES", dec("60"))
	if err := g.Check("u1", "poly", "MKT1", "YES", dec("20"), "d"); err != nil {
		t.Fatalf("check after release: %v", err)
	}
}

func TestGateExposureIsPerKey(t *testing.T) {
	t.Parallel()

	g := NewGate(decimal.Zero, dec("100"))
	if err := g.Check("u1", "poly", "MKT1", "YES", dec("100"), ""); err != nil {
		t.Fatal(err)
	}
	// Different outcome, fresh budget.
	if err := g.Check("u1", "poly", "MKT1", "NO", dec("100"), ""); err != nil {
		t.Fatalf("other outcome should have its own budget: %v", err)
	}
}

func TestGateReleaseClampsAtZero(t *testing.T) {
	t.Parallel()

	g := NewGate(decimal.Zero, dec("50"))
	g.Release("poly", "MKT1", "YES", dec("999"))
	if !g.Exposure("poly", "MKT1", "YES").IsZero() {
		t.Fatalf("exposure = %s, want 0", g.Exposure("poly", "MKT1", "YES"))
	}
}

func TestKillSwitchLifecycle(t *testing.T) {
	t.Parallel()

	k := NewKillSwitch()
	if k.Active() {
		t.Fatal("fresh switch should be inactive")
	}

	k.Activate("manual stop")
	if !k.Active() || k.Reason() != "manual stop" {
		t.Fatalf("active = %v reason = %q", k.Active(), k.Reason())
	}

	// Second activation keeps the original reason.
	k.Activate("other")
	if k.Reason() != "manual stop" {
		t.Fatalf("reason = %q, want original preserved", k.Reason())
	}

	k.Deactivate()
	if k.Active() || k.Reason() != "" {
		t.Fatal("deactivate should clear state")
	}
}
