package assemble

import (
	"github.com/wegman-software/overpass2geojson/internal/staging"
)

// Chain is an ordered run of coordinates. Chains connect where their end
// nodes share an id; coordinate values are never compared.
type Chain []staging.Coord

// Closed reports whether the chain starts and ends on the same node
func (c Chain) Closed() bool {
	return len(c) > 1 && c[0].ID == c[len(c)-1].ID
}

// JoinResult holds joined chains. Dangling counts chains that could not be
// closed; for ring assembly those indicate broken topology in the source.
type JoinResult struct {
	Chains   []Chain
	Dangling int
}

// Join splices chains end to end, reversing where needed. A chain that
// attaches to nothing becomes its own result, so no input is ever lost.
func Join(chains []Chain) JoinResult {
	var j joiner
	return j.join(chains)
}

// joiner keeps its buffers between calls. Chains returned by join alias
// those buffers and are valid until the next call.
type joiner struct {
	used    []bool
	results []Chain
	scratch Chain
}

func (j *joiner) join(chains []Chain) JoinResult {
	j.used = j.used[:0]
	for range chains {
		j.used = append(j.used, false)
	}
	n := 0

	res := JoinResult{}
	for start := range chains {
		if j.used[start] || len(chains[start]) == 0 {
			continue
		}
		j.used[start] = true

		cur := j.slot(n)
		cur = append(cur, chains[start]...)

		for !cur.Closed() {
			next, ok := j.attach(chains, cur)
			if !ok {
				break
			}
			cur = next
		}

		j.results[n] = cur
		n++
		if !cur.Closed() {
			res.Dangling++
		}
	}

	res.Chains = j.results[:n]
	return res
}

// attach splices the first unused chain touching either end of cur
func (j *joiner) attach(chains []Chain, cur Chain) (Chain, bool) {
	head, tail := cur[0].ID, cur[len(cur)-1].ID

	for i, o := range chains {
		if j.used[i] || len(o) < 2 {
			continue
		}
		first, last := o[0].ID, o[len(o)-1].ID

		switch {
		case tail == first:
			cur = append(cur, o[1:]...)
		case tail == last:
			for k := len(o) - 2; k >= 0; k-- {
				cur = append(cur, o[k])
			}
		case head == last:
			cur = j.prepend(cur, o[:len(o)-1], false)
		case head == first:
			cur = j.prepend(cur, o[1:], true)
		default:
			continue
		}
		j.used[i] = true
		return cur, true
	}
	return cur, false
}

// prepend puts seg (reversed if asked) in front of cur
func (j *joiner) prepend(cur, seg Chain, reverse bool) Chain {
	j.scratch = j.scratch[:0]
	if reverse {
		for k := len(seg) - 1; k >= 0; k-- {
			j.scratch = append(j.scratch, seg[k])
		}
	} else {
		j.scratch = append(j.scratch, seg...)
	}
	j.scratch = append(j.scratch, cur...)

	// swap buffers so neither is reallocated next time
	cur, j.scratch = j.scratch, cur[:0]
	return cur
}

func (j *joiner) slot(n int) Chain {
	if n == len(j.results) {
		j.results = append(j.results, nil)
	}
	return j.results[n][:0]
}
