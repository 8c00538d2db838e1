package identity

import (
	"github.com/xrash/smetrics"
)

// Jaro-Winkler parameters: the common-prefix boost applies above 0.7
// over at most 4 leading characters. Standard values; the decision knob
// is the resolver threshold, not these.
const (
	jwBoostThreshold = 0.7
	jwPrefixSize     = 4
)

// Score measures how well an incoming record matches a candidate
// identity: Jaro-Winkler similarity averaged over the comparison
// attributes both sides carry. Returns 0 when nothing is comparable,
// which can never clear a sane threshold. Pure function of its inputs.
func Score(incoming, candidate map[string]string, compareAttrs []string) float64 {
	var sum float64
	var compared int
	for _, attr := range compareAttrs {
		a, okA := incoming[attr]
		b, okB := candidate[attr]
		if !okA || !okB || a == "" || b == "" {
			continue
		}
		sum += smetrics.JaroWinkler(a, b, jwBoostThreshold, jwPrefixSize)
		compared++
	}
	if compared == 0 {
		return 0
	}
	return sum / float64(compared)
}
