package fusion

import (
	"hash/fnv"
)

// Variant is one arm of a fusion weight experiment.
type Variant struct {
	Name    string  `json:"name" yaml:"name"`
	Traffic int     `json:"traffic" yaml:"traffic"`
	Weights `yaml:",inline"`
}

// Experiments is a set of weight variants whose traffic percentages are
// assigned in declaration order. Traffic beyond 100 is ignored and the
// remainder falls through to the default weights.
type Experiments struct {
	Version  string    `json:"version" yaml:"version"`
	Variants []Variant `json:"variants" yaml:"variants"`
}

// Bucket maps a stable identifier onto [0,100).
func Bucket(stableID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(stableID))
	return int(h.Sum32() % 100)
}

// Select returns the variant assigned to stableID. The same id always maps
// to the same variant for a given document.
func (e *Experiments) Select(stableID string) (Variant, bool) {
	if e == nil || stableID == "" || len(e.Variants) == 0 {
		return Variant{}, false
	}
	bucket := Bucket(stableID)
	upper := 0
	for _, v := range e.Variants {
		if v.Traffic <= 0 || !v.Weights.Valid() {
			continue
		}
		upper += v.Traffic
		if bucket < upper {
			return v, true
		}
		if upper >= 100 {
			break
		}
	}
	return Variant{}, false
}
