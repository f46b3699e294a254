package core

import "testing"

func TestAssertInteger(t *testing.T) {
	if err := assertInteger("height", float64(10)); err != nil {
		t.Fatalf("expected 10.0 to pass as integer: %v", err)
	}
	if err := assertInteger("height", float64(10.5)); err == nil {
		t.Fatal("expected 10.5 to fail as integer")
	}
	if err := assertInteger("height", "10"); err == nil {
		t.Fatal("expected string to fail as integer")
	}
}

func TestAssertNonNegativeInteger(t *testing.T) {
	if err := assertNonNegativeInteger("pos", float64(0)); err != nil {
		t.Fatalf("expected 0 to pass: %v", err)
	}
	if err := assertNonNegativeInteger("pos", float64(-1)); err == nil {
		t.Fatal("expected -1 to fail")
	}
}

func TestHexStringValidation(t *testing.T) {
	if !isHexString("deadbeef") {
		t.Fatal("expected deadbeef to be valid hex")
	}
	if isHexString("deadbee") {
		t.Fatal("expected odd-length string to be invalid hex")
	}
	if isHexString("zzzz") {
		t.Fatal("expected non-hex characters to be invalid")
	}
	if err := assertHexString("raw", "zz"); err == nil {
		t.Fatal("expected assertHexString to fail on non-hex input")
	}
}

func TestHash256HexValidation(t *testing.T) {
	valid := make([]byte, 64)
	for i := range valid {
		valid[i] = 'a'
	}
	if !isHash256Hex(string(valid)) {
		t.Fatal("expected 64-char hex string to be a valid hash")
	}
	if isHash256Hex("deadbeef") {
		t.Fatal("expected short hex string to fail hash256 validation")
	}
	if err := assertHash256Hex("tx_hash", "deadbeef"); err == nil {
		t.Fatal("expected assertHash256Hex to fail on short input")
	}
}

func TestIntOrFloat(t *testing.T) {
	if !isIntOrFloat(float64(3.5)) {
		t.Fatal("expected float to pass as numeric")
	}
	if !isIntOrFloat(3) {
		t.Fatal("expected int to pass as numeric")
	}
	if isIntOrFloat("3.5") {
		t.Fatal("expected string to fail numeric check")
	}
	if err := assertNonNegativeIntOrFloat("fee", float64(-0.5)); err == nil {
		t.Fatal("expected negative numeric to fail")
	}
}

func TestDictContainsField(t *testing.T) {
	m := map[string]any{"height": float64(10)}
	if _, err := dictContainsField(m, "height"); err != nil {
		t.Fatalf("expected present field to succeed: %v", err)
	}
	if _, err := dictContainsField(m, "missing"); err == nil {
		t.Fatal("expected missing field to fail")
	}
}

func TestAssertListOrTuple(t *testing.T) {
	if _, err := assertListOrTuple("merkle", []any{"a", "b"}); err != nil {
		t.Fatalf("expected list to pass: %v", err)
	}
	if _, err := assertListOrTuple("merkle", "not-a-list"); err == nil {
		t.Fatal("expected non-list to fail")
	}
}

func TestAsDictAndAsString(t *testing.T) {
	if _, err := asDict("result", map[string]any{"a": 1}); err != nil {
		t.Fatalf("expected object to pass: %v", err)
	}
	if _, err := asDict("result", []any{1, 2}); err == nil {
		t.Fatal("expected non-object to fail")
	}
	if _, err := asString("banner", "hello"); err != nil {
		t.Fatalf("expected string to pass: %v", err)
	}
	if _, err := asString("banner", 5); err == nil {
		t.Fatal("expected non-string to fail")
	}
}
