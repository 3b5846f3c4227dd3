package group

import (
	"testing"
)

func TestHashDeterministic(t *testing.T) {
	dims := map[string]interface{}{"region": "EMEA", "carrier": "DHL"}
	h1 := Hash(dims)
	h2 := Hash(map[string]interface{}{"carrier": "DHL", "region": "EMEA"})
	if h1 != h2 {
		t.Fatalf("hash depends on key order: %s vs %s", h1, h2)
	}
	if len(h1) != 16 {
		t.Fatalf("expected 16 hex chars, got %q", h1)
	}
}

func TestHashDistinguishesValues(t *testing.T) {
	a := Hash(map[string]interface{}{"region": "EMEA"})
	b := Hash(map[string]interface{}{"region": "APAC"})
	if a == b {
		t.Fatalf("different dimensions hashed to same value %s", a)
	}
}

func TestHashEmptyGroup(t *testing.T) {
	if got := Hash(nil); got != DefaultKey {
		t.Fatalf("nil group: want %q, got %q", DefaultKey, got)
	}
	if got := Hash(map[string]interface{}{}); got != DefaultKey {
		t.Fatalf("empty group: want %q, got %q", DefaultKey, got)
	}
}

func TestLabel(t *testing.T) {
	dims := map[string]interface{}{"region": "EMEA", "carrier": "DHL"}
	if got := Label(dims); got != "carrier=DHL / region=EMEA" {
		t.Fatalf("unexpected label %q", got)
	}
	if got := Label(nil); got != DefaultKey {
		t.Fatalf("empty group label: want %q, got %q", DefaultKey, got)
	}
}

func TestParseJSON(t *testing.T) {
	dims := ParseJSON(`{"region":"EMEA"}`)
	if dims["region"] != "EMEA" {
		t.Fatalf("parse failed: %v", dims)
	}
	if dims := ParseJSON("not json"); len(dims) != 0 {
		t.Fatalf("malformed JSON should yield empty map, got %v", dims)
	}
	if dims := ParseJSON(""); len(dims) != 0 {
		t.Fatalf("empty string should yield empty map, got %v", dims)
	}
}
