package manifest

import "testing"

func TestVersionCompareNumeric(t *testing.T) {
	cases := []struct {
		a, b string
		want int
	}{
		{"1.0.0.0", "1.0.0.0", 0},
		{"1.0", "1.0.0.1", -1},
		{"2.0", "1.9.9.9", 1},
		{"1.2.3", "1.2.3.0", 0},
		{"1.2.3.4", "1.2.3.5", -1},
		{"10.0", "9.9999", 1},
	}
	for _, c := range cases {
		va, vb := ParseVersion(c.a), ParseVersion(c.b)
		if got := va.Compare(vb); got != c.want {
			t.Errorf("Compare(%q, %q) = %d, want %d", c.a, c.b, got, c.want)
		}
	}
}

func TestVersionHigherAndEqual(t *testing.T) {
	v1 := ParseVersion("1.2.0")
	v2 := ParseVersion("1.3.0")
	if !v2.Higher(v1) {
		t.Fatal("1.3.0.Higher(1.2.0) = false, want true")
	}
	if v1.Higher(v2) {
		t.Fatal("1.2.0.Higher(1.3.0) = true, want false")
	}
	if !ParseVersion("1.0").Equal(ParseVersion("1.0.0.0")) {
		t.Fatal("1.0 does not Equal 1.0.0.0")
	}
}

func TestVersionRoundTripIdempotent(t *testing.T) {
	for _, raw := range []string{"1.0", "1.2.3.4", "0.0.0.1"} {
		v := ParseVersion(raw)
		v2 := ParseVersion(v.String())
		if v.Compare(v2) != 0 {
			t.Errorf("parse->string->parse not idempotent for %q", raw)
		}
		if v.String() != raw {
			t.Errorf("String() = %q, want %q", v.String(), raw)
		}
	}
}

func TestVersionNonNumericFallsBackLexicographic(t *testing.T) {
	a := ParseVersion("1.rc1")
	b := ParseVersion("1.rc2")
	if a.Compare(b) >= 0 {
		t.Fatalf("Compare(1.rc1, 1.rc2) = %d, want < 0", a.Compare(b))
	}
}

func TestVersionMissingComponentsTreatedAsZero(t *testing.T) {
	a := ParseVersion("1")
	b := ParseVersion("1.0.0.0")
	if !a.Equal(b) {
		t.Fatal("1 does not Equal 1.0.0.0")
	}
}
