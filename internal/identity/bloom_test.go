package identity

import (
	"math/rand"
	"testing"
)

func TestKeyFilterNoFalseNegatives(t *testing.T) {
	f := NewKeyFilter(1000, 0.01)

	rng := rand.New(rand.NewSource(7))
	keys := make([]int64, 500)
	for i := range keys {
		keys[i] = rng.Int63()
		f.Add(keys[i])
	}

	for _, k := range keys {
		if !f.MightContain(k) {
			t.Fatalf("added key %d reported absent", k)
		}
	}
	if f.Count() != 500 {
		t.Errorf("expected count 500, got %d", f.Count())
	}
}

func TestKeyFilterRejectsMostUnseenKeys(t *testing.T) {
	f := NewKeyFilter(1000, 0.01)

	rng := rand.New(rand.NewSource(11))
	for i := 0; i < 1000; i++ {
		f.Add(rng.Int63())
	}

	// Probe a disjoint key range; at a 1% target the positives should
	// stay in the low single digits per thousand.
	positives := 0
	for i := 0; i < 1000; i++ {
		if f.MightContain(-rng.Int63()) {
			positives++
		}
	}
	if positives > 50 {
		t.Errorf("false positive rate too high: %d/1000", positives)
	}
}

func TestKeyFilterSnapshotRoundTrip(t *testing.T) {
	f := NewKeyFilter(200, 0.01)
	keys := []int64{1, -1, 42, 1 << 60, -(1 << 60)}
	for _, k := range keys {
		f.Add(k)
	}

	loaded, err := LoadSnapshot(f.Snapshot())
	if err != nil {
		t.Fatalf("load snapshot: %v", err)
	}

	if loaded.Count() != f.Count() {
		t.Errorf("count changed across snapshot: %d vs %d", loaded.Count(), f.Count())
	}
	for _, k := range keys {
		if !loaded.MightContain(k) {
			t.Errorf("key %d lost across snapshot", k)
		}
	}
	if loaded.MightContain(987654321) != f.MightContain(987654321) {
		t.Error("snapshot changed membership answer for unseen key")
	}
}

func TestLoadSnapshotRejectsGarbage(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"short header", make([]byte, 10)},
		{"zero header", make([]byte, 24)},
		{"truncated body", append(NewKeyFilter(64, 0.01).Snapshot()[:24], 0x01)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := LoadSnapshot(tt.data); err == nil {
				t.Error("expected error")
			}
		})
	}
}
