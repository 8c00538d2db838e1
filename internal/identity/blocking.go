package identity

import (
	"strings"

	"github.com/spaolacci/murmur3"
)

// keySeparator joins blocking attribute values before hashing. A unit
// separator cannot appear in normalized values, so ("ab","c") and
// ("a","bc") never collide by concatenation.
const keySeparator = "\x1f"

// BlockingKey hashes the normalized blocking attributes into a 64-bit
// candidate-lookup key. Returns ok=false when any configured blocking
// attribute is absent; a partial key would group the record with the
// wrong cohort, so such records skip blocking entirely and resolve as
// new identities.
func BlockingKey(attrs map[string]string, blockingAttrs []string) (key int64, ok bool) {
	if len(blockingAttrs) == 0 {
		return 0, false
	}

	parts := make([]string, 0, len(blockingAttrs))
	for _, attr := range blockingAttrs {
		v, present := attrs[attr]
		if !present || v == "" {
			return 0, false
		}
		parts = append(parts, v)
	}

	h := murmur3.Sum64([]byte(strings.Join(parts, keySeparator)))
	return int64(h), true
}
