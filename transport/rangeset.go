package transport

import "sort"

// span is the half-open interval [start, end).
type span struct {
	start uint64
	end   uint64
}

func (s span) len() uint64 { return s.end - s.start }

// rangeSet is a sorted list of disjoint, non-adjacent spans.
type rangeSet []span

func (s *rangeSet) add(start, end uint64) {
	if start >= end {
		return
	}
	rs := *s
	i := sort.Search(len(rs), func(i int) bool { return rs[i].end >= start })
	j := i
	for j < len(rs) && rs[j].start <= end {
		if rs[j].start < start {
			start = rs[j].start
		}
		if rs[j].end > end {
			end = rs[j].end
		}
		j++
	}
	out := append(rs[:i:i], span{start: start, end: end})
	*s = append(out, rs[j:]...)
}

func (s *rangeSet) remove(start, end uint64) {
	if start >= end || len(*s) == 0 {
		return
	}
	var out rangeSet
	for _, r := range *s {
		if r.end <= start || r.start >= end {
			out = append(out, r)
			continue
		}
		if r.start < start {
			out = append(out, span{start: r.start, end: start})
		}
		if r.end > end {
			out = append(out, span{start: end, end: r.end})
		}
	}
	*s = out
}

func (s rangeSet) contains(v uint64) bool {
	i := sort.Search(len(s), func(i int) bool { return s[i].end > v })
	return i < len(s) && s[i].start <= v
}

// popFirst removes and returns at most max values from the front of the set.
func (s *rangeSet) popFirst(max uint64) (span, bool) {
	if len(*s) == 0 || max == 0 {
		return span{}, false
	}
	r := (*s)[0]
	if r.len() > max {
		(*s)[0].start += max
		return span{start: r.start, end: r.start + max}, true
	}
	*s = (*s)[1:]
	return r, true
}

func (s *rangeSet) trimBelow(v uint64) { s.remove(0, v) }

// trimFront drops the lowest spans so at most n remain.
func (s *rangeSet) trimFront(n int) {
	if len(*s) > n {
		*s = append(rangeSet(nil), (*s)[len(*s)-n:]...)
	}
}

func (s rangeSet) largest() (uint64, bool) {
	if len(s) == 0 {
		return 0, false
	}
	return s[len(s)-1].end - 1, true
}
