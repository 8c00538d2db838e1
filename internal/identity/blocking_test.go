package identity

import (
	"testing"
)

func TestBlockingKeyStable(t *testing.T) {
	attrs := map[string]string{
		"family_name": "garcia",
		"birth_date":  "1985-03-12",
		"given_name":  "maria",
	}
	blocking := []string{"family_name", "birth_date"}

	k1, ok1 := BlockingKey(attrs, blocking)
	k2, ok2 := BlockingKey(attrs, blocking)
	if !ok1 || !ok2 {
		t.Fatal("expected keys for complete attributes")
	}
	if k1 != k2 {
		t.Errorf("same attributes produced different keys: %d vs %d", k1, k2)
	}

	// Attributes outside the blocking set do not influence the key.
	delete(attrs, "given_name")
	k3, _ := BlockingKey(attrs, blocking)
	if k3 != k1 {
		t.Errorf("non-blocking attribute changed the key: %d vs %d", k3, k1)
	}
}

func TestBlockingKeyDiffersByValue(t *testing.T) {
	blocking := []string{"family_name", "birth_date"}
	a, _ := BlockingKey(map[string]string{"family_name": "garcia", "birth_date": "1985-03-12"}, blocking)
	b, _ := BlockingKey(map[string]string{"family_name": "chen", "birth_date": "1985-03-12"}, blocking)
	if a == b {
		t.Error("different family names produced the same key")
	}
}

func TestBlockingKeyBoundaryNotAmbiguous(t *testing.T) {
	blocking := []string{"family_name", "birth_date"}
	a, _ := BlockingKey(map[string]string{"family_name": "ab", "birth_date": "c"}, blocking)
	b, _ := BlockingKey(map[string]string{"family_name": "a", "birth_date": "bc"}, blocking)
	if a == b {
		t.Error("value boundary shift produced the same key")
	}
}

func TestBlockingKeyMissingAttribute(t *testing.T) {
	blocking := []string{"family_name", "birth_date"}

	if _, ok := BlockingKey(map[string]string{"family_name": "garcia"}, blocking); ok {
		t.Error("expected no key when a blocking attribute is absent")
	}
	if _, ok := BlockingKey(map[string]string{"family_name": "garcia", "birth_date": ""}, blocking); ok {
		t.Error("expected no key when a blocking attribute is empty")
	}
	if _, ok := BlockingKey(map[string]string{}, nil); ok {
		t.Error("expected no key with no blocking attributes configured")
	}
}
