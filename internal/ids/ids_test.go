package ids

import (
	"strings"
	"testing"
)

func TestNewExternalID_Format(t *testing.T) {
	id := NewExternalID()

	if !strings.HasPrefix(id, "agnxi_inv_") {
		t.Fatalf("expected agnxi_inv_ prefix, got %s", id)
	}
	hexPart := strings.TrimPrefix(id, "agnxi_inv_")
	if len(hexPart) != 32 {
		t.Errorf("expected 32 hex characters, got %d", len(hexPart))
	}
	for _, c := range hexPart {
		if !strings.ContainsRune("0123456789abcdef", c) {
			t.Errorf("non-hex character %q in id %s", c, id)
		}
	}
	if !IsExternalID(id) {
		t.Errorf("IsExternalID(%s) = false", id)
	}
}

func TestNewExternalID_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewExternalID()
		if seen[id] {
			t.Fatalf("duplicate id generated: %s", id)
		}
		seen[id] = true
	}
}

func TestNewAPIKey(t *testing.T) {
	raw, prefix, hash := NewAPIKey()

	if !strings.HasPrefix(raw, "agnxi_key_") {
		t.Fatalf("expected agnxi_key_ prefix, got %s", raw)
	}
	if len(strings.TrimPrefix(raw, "agnxi_key_")) != 64 {
		t.Errorf("expected 64 hex characters after prefix, got %d", len(strings.TrimPrefix(raw, "agnxi_key_")))
	}
	if prefix != raw[:APIKeyDisplayLen] {
		t.Errorf("display prefix %q is not the first %d characters of %q", prefix, APIKeyDisplayLen, raw)
	}
	if hash != HashAPIKey(raw) {
		t.Error("returned hash does not match HashAPIKey(raw)")
	}
	if len(hash) != 64 {
		t.Errorf("expected 64-char sha256 hex hash, got %d", len(hash))
	}
	if !IsAPIKey(raw) {
		t.Errorf("IsAPIKey(%s) = false", raw)
	}
}

func TestHashAPIKey_Deterministic(t *testing.T) {
	if HashAPIKey("agnxi_key_abc") != HashAPIKey("agnxi_key_abc") {
		t.Error("hash is not deterministic")
	}
	if HashAPIKey("agnxi_key_abc") == HashAPIKey("agnxi_key_abd") {
		t.Error("distinct keys produced the same hash")
	}
}

func TestIsExternalID_Rejects(t *testing.T) {
	for _, s := range []string{"", "agnxi_key_abc", "inv_abc", "550e8400-e29b-41d4-a716-446655440000"} {
		if IsExternalID(s) {
			t.Errorf("IsExternalID(%q) = true, want false", s)
		}
	}
}
