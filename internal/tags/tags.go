// Package tags classifies OSM tag sets: provenance stripping, "interesting"
// detection and polygon-vs-line classification of closed ways.
package tags

import (
	"sort"

	"github.com/paulmach/osm"
)

// Wildcard in an ignore set covers every value of that key
const Wildcard = "*"

// provenance keys describe the edit, not the feature. They are removed before staging.
var provenance = map[string]bool{
	"created_by":   true,
	"source":       true,
	"note":         true,
	"fixme":        true,
	"FIXME":        true,
	"author":       true,
	"timestamp":    true,
	"changeset":    true,
	"version":      true,
	"user":         true,
	"uid":          true,
	"@id":          true,
	"@timestamp":   true,
	"@version":     true,
	"@changeset":   true,
	"@user":        true,
	"@uid":         true,
	"converted_by": true,
	"attribution":  true,
	"odbl":         true,
	"odbl:note":    true,
	"import_uuid":  true,
}

// uninteresting keys never make an element worth emitting on their own
var uninteresting = map[string]bool{
	"source":            true,
	"source_ref":        true,
	"source:ref":        true,
	"history":           true,
	"attribution":       true,
	"created_by":        true,
	"tiger:county":      true,
	"tiger:tlid":        true,
	"tiger:upload_uuid": true,
}

// TypeOnly ignores the relation "type" tag and nothing else
var TypeOnly = map[string]string{"type": Wildcard}

// StripProvenance returns tags without the provenance denylist. The input is
// not modified; when nothing is removed the input is returned as is.
func StripProvenance(tags osm.Tags) osm.Tags {
	n := 0
	for _, t := range tags {
		if provenance[t.Key] {
			n++
		}
	}
	if n == 0 {
		return tags
	}

	out := make(osm.Tags, 0, len(tags)-n)
	for _, t := range tags {
		if !provenance[t.Key] {
			out = append(out, t)
		}
	}
	return out
}

// IsInteresting reports whether at least one tag is neither uninformative nor
// covered by ignore. A tag is covered when ignore has the same key with the
// same value, or with Wildcard.
func IsInteresting(tags osm.Tags, ignore map[string]string) bool {
	for _, t := range tags {
		if uninteresting[t.Key] {
			continue
		}
		if v, ok := ignore[t.Key]; ok && (v == Wildcard || v == t.Value) {
			continue
		}
		return true
	}
	return false
}

// FromMap builds tags sorted by key, so staging and output are deterministic
func FromMap(m map[string]string) osm.Tags {
	if len(m) == 0 {
		return nil
	}
	out := make(osm.Tags, 0, len(m))
	for k, v := range m {
		out = append(out, osm.Tag{Key: k, Value: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
