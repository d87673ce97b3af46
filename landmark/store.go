package landmark

// Store owns all landmarks by id. Removed landmarks leave a nil tombstone so
// ids stay stable for the lifetime of the map. The anchor tables record, per
// keyframe, which landmarks were first observed from it.
type Store struct {
	Points []*Point
	Lines  []*Line

	PointAnchors map[int][]int // keyframe id -> anchored point ids
	LineAnchors  map[int][]int
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		PointAnchors: map[int][]int{},
		LineAnchors:  map[int][]int{},
	}
}

// NextPointID returns the id the next added point will receive.
func (s *Store) NextPointID() int { return len(s.Points) }

// NextLineID returns the id the next added line will receive.
func (s *Store) NextLineID() int { return len(s.Lines) }

// AddPoint appends the point, anchoring it at its first observing keyframe.
// The point's ID must equal NextPointID.
func (s *Store) AddPoint(p *Point) {
	s.Points = append(s.Points, p)
	if len(p.KFs) > 0 {
		kf := p.KFs[0]
		s.PointAnchors[kf] = append(s.PointAnchors[kf], p.ID)
	}
}

// AddLine appends the line, anchoring it at its first observing keyframe.
func (s *Store) AddLine(l *Line) {
	s.Lines = append(s.Lines, l)
	if len(l.KFs) > 0 {
		kf := l.KFs[0]
		s.LineAnchors[kf] = append(s.LineAnchors[kf], l.ID)
	}
}

// Point returns the point with the given id, or nil if out of range or
// removed.
func (s *Store) Point(id int) *Point {
	if id < 0 || id >= len(s.Points) {
		return nil
	}
	return s.Points[id]
}

// Line returns the line with the given id, or nil if out of range or
// removed.
func (s *Store) Line(id int) *Line {
	if id < 0 || id >= len(s.Lines) {
		return nil
	}
	return s.Lines[id]
}

// RemovePoint tombstones the point and drops it from its anchor list. A
// point stripped of all observations no longer knows its anchor, so its
// entry is swept from every list.
func (s *Store) RemovePoint(id int) {
	p := s.Point(id)
	if p == nil {
		return
	}
	s.Points[id] = nil
	if len(p.KFs) > 0 {
		s.unanchorPoint(p.KFs[0], id)
		return
	}
	for kf := range s.PointAnchors {
		s.PointAnchors[kf] = removeID(s.PointAnchors[kf], id)
	}
}

// RemoveLine tombstones the line and drops it from its anchor list.
func (s *Store) RemoveLine(id int) {
	l := s.Line(id)
	if l == nil {
		return
	}
	s.Lines[id] = nil
	if len(l.KFs) > 0 {
		s.unanchorLine(l.KFs[0], id)
		return
	}
	for kf := range s.LineAnchors {
		s.LineAnchors[kf] = removeID(s.LineAnchors[kf], id)
	}
}

// ReanchorPoint moves the point's anchor from one keyframe to another, used
// when the first observation is removed but later ones survive.
func (s *Store) ReanchorPoint(id, from, to int) {
	s.unanchorPoint(from, id)
	s.PointAnchors[to] = append(s.PointAnchors[to], id)
}

// ReanchorLine moves the line's anchor from one keyframe to another.
func (s *Store) ReanchorLine(id, from, to int) {
	s.unanchorLine(from, id)
	s.LineAnchors[to] = append(s.LineAnchors[to], id)
}

func (s *Store) unanchorPoint(kf, id int) {
	s.PointAnchors[kf] = removeID(s.PointAnchors[kf], id)
}

func (s *Store) unanchorLine(kf, id int) {
	s.LineAnchors[kf] = removeID(s.LineAnchors[kf], id)
}

func removeID(ids []int, id int) []int {
	for i, x := range ids {
		if x == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}
