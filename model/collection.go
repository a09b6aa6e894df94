package model

import (
	"fmt"
	"iter"
	"slices"
	"strings"
)

// Span is an arithmetic run of node ids: First, First+Step, ... (Count ids).
type Span struct {
	First NodeID
	Count int
	Step  NodeID
}

// MaxNodeID is the largest node id a collection can name. Ids travel as
// float64 numbers over the API, which hold integers exactly up to 2^53.
const MaxNodeID NodeID = 1 << 53

// Validate checks that the span names ids in [1, MaxNodeID] without
// overflowing.
func (s Span) Validate() error {
	if s.Count < 0 || uint64(s.Count) > uint64(MaxNodeID) {
		return Errorf(KindBadParameter, "invalid span %+v: count out of range", s)
	}
	if s.Count == 0 {
		return nil
	}
	if s.First == 0 || s.Step == 0 || s.First > MaxNodeID || s.Step > MaxNodeID {
		return Errorf(KindBadParameter, "invalid span %+v", s)
	}
	if s.Count > 1 && NodeID(s.Count-1) > (MaxNodeID-s.First)/s.Step {
		return Errorf(KindBadParameter, "invalid span %+v: runs past node id %d", s, MaxNodeID)
	}
	return nil
}

// Last is the final id of the span. It is only meaningful when Count > 0.
func (s Span) Last() NodeID {
	return s.First + NodeID(s.Count-1)*s.Step
}

func (s Span) contains(id NodeID) (int, bool) {
	if s.Count == 0 || id < s.First || id > s.Last() {
		return 0, false
	}
	off := id - s.First
	if off%s.Step != 0 {
		return 0, false
	}
	return int(off / s.Step), true
}

// NodeCollection is an ordered set of node ids handed out by the kernel.
// It is immutable; slicing and concatenation return new collections. Each
// collection remembers the kernel epoch it was created in, so handles that
// outlive a kernel reset are detected.
type NodeCollection struct {
	spans []Span
	size  int
	epoch uint64
}

// NewRange builds the contiguous collection first..first+n-1.
func NewRange(first NodeID, n int, epoch uint64) NodeCollection {
	if n <= 0 {
		return NodeCollection{epoch: epoch}
	}
	return NodeCollection{spans: []Span{{First: first, Count: n, Step: 1}}, size: n, epoch: epoch}
}

// FromSpans rebuilds a collection from its span list, e.g. after it
// crossed a process boundary. Every span is validated before any is
// expanded. Callers that know the network size should bound the ids
// before calling it.
func FromSpans(spans []Span, epoch uint64) (NodeCollection, error) {
	for _, s := range spans {
		if err := s.Validate(); err != nil {
			return NodeCollection{}, err
		}
	}
	var ids []NodeID
	for _, s := range spans {
		for i := 0; i < s.Count; i++ {
			ids = append(ids, s.First+NodeID(i)*s.Step)
		}
	}
	return FromIDs(ids, epoch)
}

// FromIDs builds a collection holding ids in the given order. Duplicates
// and the zero id are rejected.
func FromIDs(ids []NodeID, epoch uint64) (NodeCollection, error) {
	seen := make(map[NodeID]struct{}, len(ids))
	for _, id := range ids {
		if id == 0 {
			return NodeCollection{}, Errorf(KindUnknownNode, "node id 0 is invalid")
		}
		if _, dup := seen[id]; dup {
			return NodeCollection{}, Errorf(KindBadParameter, "node id %d appears twice", id)
		}
		seen[id] = struct{}{}
	}
	return NodeCollection{spans: compress(ids), size: len(ids), epoch: epoch}, nil
}

func compress(ids []NodeID) []Span {
	var spans []Span
	for i := 0; i < len(ids); {
		s := Span{First: ids[i], Count: 1, Step: 1}
		if i+1 < len(ids) && ids[i+1] > ids[i] {
			s.Step = ids[i+1] - ids[i]
			j := i + 1
			for j < len(ids) && ids[j] > ids[j-1] && ids[j]-ids[j-1] == s.Step {
				j++
			}
			s.Count = j - i
		}
		spans = append(spans, s)
		i += s.Count
	}
	return spans
}

func (nc NodeCollection) Len() int        { return nc.size }
func (nc NodeCollection) Empty() bool     { return nc.size == 0 }
func (nc NodeCollection) Epoch() uint64   { return nc.epoch }
func (nc NodeCollection) Spans() []Span   { return slices.Clone(nc.spans) }
func (nc NodeCollection) Primitive() bool { return len(nc.spans) == 1 && nc.spans[0].Step == 1 }

// First returns the first id, or 0 for an empty collection.
func (nc NodeCollection) First() NodeID {
	if nc.size == 0 {
		return 0
	}
	return nc.spans[0].First
}

// Last returns the last id, or 0 for an empty collection.
func (nc NodeCollection) Last() NodeID {
	if nc.size == 0 {
		return 0
	}
	return nc.spans[len(nc.spans)-1].Last()
}

// At returns the id at position i. Negative positions count from the end.
func (nc NodeCollection) At(i int) (NodeID, error) {
	if i < 0 {
		i += nc.size
	}
	if i < 0 || i >= nc.size {
		return 0, Errorf(KindBadParameter, "index %d out of range for collection of size %d", i, nc.size)
	}
	for _, s := range nc.spans {
		if i < s.Count {
			return s.First + NodeID(i)*s.Step, nil
		}
		i -= s.Count
	}
	panic("unreachable")
}

// All iterates positions and ids in order.
func (nc NodeCollection) All() iter.Seq2[int, NodeID] {
	return func(yield func(int, NodeID) bool) {
		pos := 0
		for _, s := range nc.spans {
			for k := 0; k < s.Count; k++ {
				if !yield(pos, s.First+NodeID(k)*s.Step) {
					return
				}
				pos++
			}
		}
	}
}

// IDs returns a copy of the ids in order.
func (nc NodeCollection) IDs() []NodeID {
	out := make([]NodeID, 0, nc.size)
	for _, id := range nc.All() {
		out = append(out, id)
	}
	return out
}

// Index returns the position of id, or -1.
func (nc NodeCollection) Index(id NodeID) int {
	base := 0
	for _, s := range nc.spans {
		if k, ok := s.contains(id); ok {
			return base + k
		}
		base += s.Count
	}
	return -1
}

func (nc NodeCollection) Contains(id NodeID) bool {
	return nc.Index(id) >= 0
}

// Slice follows Python slice semantics: start inclusive, stop exclusive,
// negative bounds count from the end, step must be positive.
func (nc NodeCollection) Slice(start, stop, step int) (NodeCollection, error) {
	if step <= 0 {
		return NodeCollection{}, Errorf(KindBadParameter, "slice step must be positive, got %d", step)
	}
	clamp := func(i int) int {
		if i < 0 {
			i += nc.size
		}
		return max(0, min(i, nc.size))
	}
	start, stop = clamp(start), clamp(stop)
	var ids []NodeID
	for pos, id := range nc.All() {
		if pos >= stop {
			break
		}
		if pos >= start && (pos-start)%step == 0 {
			ids = append(ids, id)
		}
	}
	return NodeCollection{spans: compress(ids), size: len(ids), epoch: nc.epoch}, nil
}

// Concat appends o to nc. The inputs must be disjoint and come from the
// same kernel epoch.
func (nc NodeCollection) Concat(o NodeCollection) (NodeCollection, error) {
	if nc.size > 0 && o.size > 0 && nc.epoch != o.epoch {
		return NodeCollection{}, Errorf(KindBadParameter, "cannot join collections from different kernel instances")
	}
	left, right := nc.IDs(), o.IDs()
	a, b := slices.Clone(left), slices.Clone(right)
	slices.Sort(a)
	slices.Sort(b)
	for i, j := 0, 0; i < len(a) && j < len(b); {
		switch {
		case a[i] == b[j]:
			return NodeCollection{}, Errorf(KindBadParameter, "collections overlap at node %d", a[i])
		case a[i] < b[j]:
			i++
		default:
			j++
		}
	}
	epoch := nc.epoch
	if nc.size == 0 {
		epoch = o.epoch
	}
	ids := append(left, right...)
	return NodeCollection{spans: compress(ids), size: len(ids), epoch: epoch}, nil
}

// Equal reports whether both collections hold the same ids in the same
// order and stem from the same epoch.
func (nc NodeCollection) Equal(o NodeCollection) bool {
	if nc.size != o.size || nc.epoch != o.epoch {
		return false
	}
	if len(nc.spans) == len(o.spans) {
		return slices.Equal(nc.spans, o.spans)
	}
	return slices.Equal(nc.IDs(), o.IDs())
}

func (nc NodeCollection) String() string {
	if nc.size == 0 {
		return "NodeCollection(<empty>)"
	}
	if nc.Primitive() {
		return fmt.Sprintf("NodeCollection(first=%d, last=%d)", nc.First(), nc.Last())
	}
	parts := make([]string, len(nc.spans))
	for i, s := range nc.spans {
		if s.Count == 1 {
			parts[i] = fmt.Sprint(s.First)
		} else {
			parts[i] = fmt.Sprintf("%d..%d:%d", s.First, s.Last(), s.Step)
		}
	}
	return "NodeCollection(" + strings.Join(parts, ", ") + ")"
}
