// Package resolve turns ingested ways and relations into staged records.
//
// Missing dependencies are not errors: incomplete extracts are the normal
// case, so each attempt returns a Result naming what happened and which ids
// were missing. Errors are reserved for staging failures.
package resolve

// Outcome tags a resolution attempt
type Outcome int

const (
	// Resolved means the element was staged with all its dependencies
	Resolved Outcome = iota
	// DroppedMissingDependency means a referenced node or way was absent
	DroppedMissingDependency
	// Invalid means the element cannot form a geometry (a way with fewer
	// than two nodes)
	Invalid
	// Unsupported means a relation type without structural handling; it is
	// staged as a bare record
	Unsupported
)

func (o Outcome) String() string {
	switch o {
	case Resolved:
		return "resolved"
	case DroppedMissingDependency:
		return "dropped_missing_dependency"
	case Invalid:
		return "invalid"
	case Unsupported:
		return "unsupported"
	}
	return "unknown"
}

// Result is the outcome of resolving one element
type Result struct {
	Outcome Outcome
	Missing []int64 // ids of absent nodes (ways) or ways (relations)
}

// Counts aggregates results per outcome
type Counts struct {
	Resolved    int64
	Dropped     int64
	Invalid     int64
	Unsupported int64
}

// Add records one result
func (c *Counts) Add(r Result) {
	switch r.Outcome {
	case Resolved:
		c.Resolved++
	case DroppedMissingDependency:
		c.Dropped++
	case Invalid:
		c.Invalid++
	case Unsupported:
		c.Unsupported++
	}
}
