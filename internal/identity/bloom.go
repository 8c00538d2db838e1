package identity

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/golang/snappy"
	"github.com/spaolacci/murmur3"
)

// KeyFilter is a bloom filter over blocking keys. It short-circuits the
// candidate lookup for keys that were never indexed: a negative answer
// is definitive, a positive one costs at most one SQL probe. It never
// influences which candidate wins, only whether the lookup runs.
type KeyFilter struct {
	mu        sync.RWMutex
	bits      []uint64
	numBits   uint64
	numHashes uint64
	count     uint64
}

// NewKeyFilter sizes a filter for the expected number of distinct
// blocking keys at the target false positive rate, using the standard
// m = -n·ln(p)/ln²2 and k = (m/n)·ln2 estimates.
func NewKeyFilter(expectedKeys int, targetFPR float64) *KeyFilter {
	if expectedKeys <= 0 {
		expectedKeys = 1000
	}
	if targetFPR <= 0 || targetFPR >= 1 {
		targetFPR = 0.01
	}

	n := float64(expectedKeys)
	m := -n * math.Log(targetFPR) / (math.Ln2 * math.Ln2)
	k := (m / n) * math.Ln2

	numBits := int(math.Ceil(m))
	if numBits < 64 {
		numBits = 64
	}
	numHashes := int(math.Ceil(k))
	if numHashes < 1 {
		numHashes = 1
	}

	numWords := (numBits + 63) / 64
	return &KeyFilter{
		bits:      make([]uint64, numWords),
		numBits:   uint64(numWords * 64),
		numHashes: uint64(numHashes),
	}
}

// hashKey derives the double-hashing pair for a blocking key from its
// murmur3 128-bit hash: position i is (h1 + i·h2) mod numBits.
func hashKey(key int64) (uint64, uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(key))
	return murmur3.Sum128(buf[:])
}

// Add records a blocking key.
func (f *KeyFilter) Add(key int64) {
	h1, h2 := hashKey(key)

	f.mu.Lock()
	defer f.mu.Unlock()
	for i := uint64(0); i < f.numHashes; i++ {
		pos := (h1 + i*h2) % f.numBits
		f.bits[pos/64] |= 1 << (pos % 64)
	}
	f.count++
}

// MightContain reports whether the key may have been indexed. False
// means definitely not; true means probably, at the configured false
// positive rate.
func (f *KeyFilter) MightContain(key int64) bool {
	h1, h2 := hashKey(key)

	f.mu.RLock()
	defer f.mu.RUnlock()
	for i := uint64(0); i < f.numHashes; i++ {
		pos := (h1 + i*h2) % f.numBits
		if f.bits[pos/64]&(1<<(pos%64)) == 0 {
			return false
		}
	}
	return true
}

// Count returns the number of keys added.
func (f *KeyFilter) Count() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.count
}

// Snapshot serializes the filter as a 24-byte header (numBits,
// numHashes, count, little-endian) followed by the snappy-compressed
// bit array. Blocking keys hash near-uniformly, so the array is dense
// noise once populated, but young filters compress to almost nothing.
func (f *KeyFilter) Snapshot() []byte {
	f.mu.RLock()
	defer f.mu.RUnlock()

	bitData := make([]byte, len(f.bits)*8)
	for i, word := range f.bits {
		binary.LittleEndian.PutUint64(bitData[i*8:(i+1)*8], word)
	}
	compressed := snappy.Encode(nil, bitData)

	buf := make([]byte, 24+len(compressed))
	binary.LittleEndian.PutUint64(buf[0:8], f.numBits)
	binary.LittleEndian.PutUint64(buf[8:16], f.numHashes)
	binary.LittleEndian.PutUint64(buf[16:24], f.count)
	copy(buf[24:], compressed)
	return buf
}

// LoadSnapshot reconstructs a filter from Snapshot output.
func LoadSnapshot(data []byte) (*KeyFilter, error) {
	if len(data) < 24 {
		return nil, errors.New("identity: filter snapshot too short")
	}

	numBits := binary.LittleEndian.Uint64(data[0:8])
	numHashes := binary.LittleEndian.Uint64(data[8:16])
	count := binary.LittleEndian.Uint64(data[16:24])
	if numBits == 0 || numBits%64 != 0 || numHashes == 0 {
		return nil, errors.New("identity: invalid filter snapshot header")
	}

	bitData, err := snappy.Decode(nil, data[24:])
	if err != nil {
		return nil, fmt.Errorf("identity: failed to decompress filter snapshot: %w", err)
	}
	numWords := numBits / 64
	if uint64(len(bitData)) < numWords*8 {
		return nil, fmt.Errorf("identity: filter snapshot truncated: want %d bytes, got %d", numWords*8, len(bitData))
	}

	bits := make([]uint64, numWords)
	for i := range bits {
		bits[i] = binary.LittleEndian.Uint64(bitData[i*8 : (i+1)*8])
	}
	return &KeyFilter{
		bits:      bits,
		numBits:   numBits,
		numHashes: numHashes,
		count:     count,
	}, nil
}
