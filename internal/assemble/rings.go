package assemble

import (
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

// Rewind orients a ring in place: outer rings counter-clockwise, inner rings
// clockwise. Rings with zero area are left as they are.
func Rewind(r orb.Ring, outer bool) orb.Ring {
	want := orb.CW
	if outer {
		want = orb.CCW
	}
	if o := r.Orientation(); o != 0 && o != want {
		r.Reverse()
	}
	return r
}

// Nest assigns each inner ring to the first outer ring containing the inner
// ring's first vertex and returns one polygon per outer ring. Inner rings no
// outer ring contains are dropped and counted.
func Nest(outers, inners []orb.Ring) ([]orb.Polygon, int) {
	polys := make([]orb.Polygon, len(outers))
	for i, outer := range outers {
		polys[i] = orb.Polygon{outer}
	}

	unplaced := 0
	for _, inner := range inners {
		if len(inner) == 0 {
			unplaced++
			continue
		}
		placed := false
		for i, outer := range outers {
			if planar.RingContains(outer, inner[0]) {
				polys[i] = append(polys[i], inner)
				placed = true
				break
			}
		}
		if !placed {
			unplaced++
		}
	}
	return polys, unplaced
}

// isRing reports whether a chain can form a polygon ring
func isRing(c Chain) bool {
	return len(c) >= 4 && c.Closed()
}
