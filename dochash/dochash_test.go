package dochash

import "testing"

func TestHashDeterministic(t *testing.T) {
	a := Hash("milestone 2 delivery report")
	b := Hash("milestone 2 delivery report")
	if a != b {
		t.Fatalf("equal content produced different digests: %s vs %s", a, b)
	}
	if len(a) != Size*2 {
		t.Fatalf("digest length = %d, want %d", len(a), Size*2)
	}
	if c := Hash("milestone 3 delivery report"); c == a {
		t.Fatalf("different content produced identical digest %s", c)
	}
}

func TestValidate(t *testing.T) {
	if err := Validate(Hash("evidence")); err != nil {
		t.Fatalf("valid digest rejected: %v", err)
	}
	if err := Validate(""); err != nil {
		t.Fatalf("empty digest should be accepted: %v", err)
	}
	if err := Validate("abc123"); err == nil {
		t.Fatal("short digest should be rejected")
	}
	if err := Validate("zz" + Hash("evidence")[2:]); err == nil {
		t.Fatal("non-hex digest should be rejected")
	}
}
