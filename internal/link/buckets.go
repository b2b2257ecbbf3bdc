package link

import "strings"

// DefaultFallbackBucket is used when no buckets are configured at all.
const DefaultFallbackBucket = "Other"

// Buckets is the ordered, operator-configured category list. The last entry is
// the fallback for any value outside the list.
type Buckets []string

// ParseBuckets splits a comma-delimited list, trimming blanks.
func ParseBuckets(raw string) Buckets {
	var out Buckets
	for _, part := range strings.Split(raw, ",") {
		if name := strings.TrimSpace(part); name != "" {
			out = append(out, name)
		}
	}
	return out
}

// Contains reports whether name is a configured bucket. Matching is exact.
func (b Buckets) Contains(name string) bool {
	for _, candidate := range b {
		if candidate == name {
			return true
		}
	}
	return false
}

// Fallback returns the last configured bucket.
func (b Buckets) Fallback() string {
	if len(b) == 0 {
		return DefaultFallbackBucket
	}
	return b[len(b)-1]
}

// Coerce maps any out-of-list name to the fallback bucket.
func (b Buckets) Coerce(name string) string {
	if b.Contains(name) {
		return name
	}
	return b.Fallback()
}

// Clone returns a copy safe to hand to callers.
func (b Buckets) Clone() Buckets {
	if b == nil {
		return nil
	}
	out := make(Buckets, len(b))
	copy(out, b)
	return out
}
