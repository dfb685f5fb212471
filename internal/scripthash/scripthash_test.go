package scripthash

import (
	"encoding/hex"
	"testing"
)

// TestNewIsStableAcrossCalls asserts the round-trip law of spec.md §8:
// script hash is a pure, stable function of the script bytes.
func TestNewIsStableAcrossCalls(t *testing.T) {
	script, err := hex.DecodeString("76a914000000000000000000000000000000000000000088ac")
	if err != nil {
		t.Fatal(err)
	}

	first := New(script)
	second := New(script)
	if first != second {
		t.Fatalf("script hash not stable: %x != %x", first, second)
	}
}

func TestHexRoundTrip(t *testing.T) {
	script := []byte("arbitrary non-standard script payload")
	h := New(script)

	parsed, err := FromHex(h.String())
	if err != nil {
		t.Fatalf("FromHex(%s): %v", h.String(), err)
	}
	if parsed != h {
		t.Fatalf("round trip mismatch: %s != %s", parsed, h)
	}
}

func TestDifferentScriptsDifferentHashes(t *testing.T) {
	a := New([]byte{0x00, 0x01})
	b := New([]byte{0x00, 0x02})
	if a == b {
		t.Fatal("expected distinct script hashes for distinct scripts")
	}
}
