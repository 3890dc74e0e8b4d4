package canonicalize

import "testing"

func TestJCS_KeyReorderIsEquivalent(t *testing.T) {
	p1 := map[string]interface{}{
		"title":       "x",
		"description": "y",
	}
	p2 := map[string]interface{}{
		"description": "y",
		"title":       "x",
		// "extra" is genuinely absent from this map entirely, not just nil,
		// so it must not appear in the canonical form at all.
	}

	k1, err := CanonicalHash(p1)
	if err != nil {
		t.Fatalf("CanonicalHash(p1): %v", err)
	}
	k2, err := CanonicalHash(p2)
	if err != nil {
		t.Fatalf("CanonicalHash(p2): %v", err)
	}
	if k1 != k2 {
		t.Fatalf("expected equal canonical hashes, got %s != %s", k1, k2)
	}
}

// TestJCS_ExplicitNullIsRetained asserts that a field present with a nil
// value is NOT the same as a field that was never set: an explicit JSON
// null is a value like any other (§4.4) and must survive canonicalization,
// changing both the serialized form and the hash.
func TestJCS_ExplicitNullIsRetained(t *testing.T) {
	withNull := map[string]interface{}{
		"title": "x",
		"extra": nil,
	}
	withoutExtra := map[string]interface{}{
		"title": "x",
	}

	s, err := JCSString(withNull)
	if err != nil {
		t.Fatalf("JCSString(withNull): %v", err)
	}
	if s != `{"extra":null,"title":"x"}` {
		t.Fatalf("expected explicit null to be serialized, got %s", s)
	}

	k1, err := CanonicalHash(withNull)
	if err != nil {
		t.Fatalf("CanonicalHash(withNull): %v", err)
	}
	k2, err := CanonicalHash(withoutExtra)
	if err != nil {
		t.Fatalf("CanonicalHash(withoutExtra): %v", err)
	}
	if k1 == k2 {
		t.Fatal("expected an explicit null field to produce a different hash than an absent field")
	}
}

func TestJCS_ArrayOrderIsSignificant(t *testing.T) {
	a, _ := JCSString([]interface{}{"a", "b"})
	b, _ := JCSString([]interface{}{"b", "a"})
	if a == b {
		t.Fatalf("expected array reordering to change the canonical form")
	}
}
