package money

import "testing"

func TestAddSubMul(t *testing.T) {
	a := MustNew("10.50")
	b := MustNew("3.25")

	if got := a.Add(b).String(); got != "13.75" {
		t.Fatalf("Add: got %s", got)
	}
	if got := a.Sub(b).String(); got != "7.25" {
		t.Fatalf("Sub: got %s", got)
	}
	if got := a.Mul(MustNew("2")).String(); got != "21.00" {
		t.Fatalf("Mul: got %s", got)
	}
}

func TestDivByZero(t *testing.T) {
	_, err := MustNew("5").Div(Zero)
	if err == nil {
		t.Fatal("expected division-by-zero error")
	}
}

func TestComparisons(t *testing.T) {
	a := MustNew("1.00")
	b := MustNew("1.0")
	if !a.Equal(b) {
		t.Fatal("expected 1.00 == 1.0")
	}
	if !MustNew("2").GreaterThan(MustNew("1")) {
		t.Fatal("expected 2 > 1")
	}
	if MustNew("-1").Sign() >= 0 {
		t.Fatal("expected negative sign")
	}
}

func TestMaxZero(t *testing.T) {
	if got := MaxZero(MustNew("-5")).String(); got != "0" {
		t.Fatalf("MaxZero(-5): got %s", got)
	}
	if got := MaxZero(MustNew("5")).String(); got != "5" {
		t.Fatalf("MaxZero(5): got %s", got)
	}
}

func TestJSONRoundTrip(t *testing.T) {
	d := MustNew("123.456")
	b, err := d.MarshalJSON()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var out Decimal
	if err := out.UnmarshalJSON(b); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !out.Equal(d) {
		t.Fatalf("round trip mismatch: got %s want %s", out.String(), d.String())
	}
}
