package course

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ErrDuplicateClassNbr marks an upstream snapshot that lists the same
// class number twice. Duplicates are a data error: they are rejected,
// never silently deduplicated.
var ErrDuplicateClassNbr = errors.New("duplicate class number in snapshot")

// Meeting is opaque pass-through schedule data from the scraper.
type Meeting struct {
	Day  string `json:"day"`
	Time string `json:"time"`
	Room string `json:"room,omitempty"`
}

// Section is one offering (class number) of a course.
type Section struct {
	ClassNbr   int       `json:"classNbr"`
	Course     string    `json:"course"`
	Group      string    `json:"section"` // section label, e.g. "S11"
	Enrolled   int       `json:"enrolled"`
	Capacity   int       `json:"enrlCap"`
	Remarks    string    `json:"remarks,omitempty"`
	Instructor string    `json:"instructor,omitempty"`
	Meetings   []Meeting `json:"meetings,omitempty"`
}

// Remark markers that force a section closed regardless of the numbers.
// The enrollment site uses the remarks column to flag sections that are
// administratively closed even while enrolled < capacity.
var closedMarkers = []string{"closed", "cancelled", "dissolved"}

// Available reports whether the section currently accepts enrollment.
//
// Policy: enrolled < capacity, unless the remarks column says otherwise.
// An explicit closed/cancelled/dissolved remark forces unavailable; an
// exact "open" remark forces available. The remark wins over the numeric
// comparison because the upstream site treats it as authoritative.
func (s Section) Available() bool {
	r := strings.ToLower(strings.TrimSpace(s.Remarks))
	for _, m := range closedMarkers {
		if strings.Contains(r, m) {
			return false
		}
	}
	if r == "open" {
		return true
	}
	return s.Enrolled < s.Capacity
}

// Snapshot is an immutable point-in-time capture of all sections of one
// course. Construct via NewSnapshot; accessors return copies so callers
// can never mutate a snapshot that a diff baseline still references.
type Snapshot struct {
	course   string
	taken    time.Time
	sections []Section
}

// NewSnapshot validates and freezes a set of sections for one course.
// Section order in the input does not matter; sections are stored sorted
// by class number. Duplicate class numbers yield ErrDuplicateClassNbr.
func NewSnapshot(courseCode string, taken time.Time, sections []Section) (*Snapshot, error) {
	seen := make(map[int]bool, len(sections))
	cp := make([]Section, len(sections))
	copy(cp, sections)
	for _, s := range cp {
		if seen[s.ClassNbr] {
			return nil, fmt.Errorf("%w: %d in %s", ErrDuplicateClassNbr, s.ClassNbr, courseCode)
		}
		seen[s.ClassNbr] = true
	}
	sort.Slice(cp, func(i, j int) bool { return cp[i].ClassNbr < cp[j].ClassNbr })
	if taken.IsZero() {
		taken = time.Now()
	}
	return &Snapshot{course: courseCode, taken: taken, sections: cp}, nil
}

func (sn *Snapshot) Course() string   { return sn.course }
func (sn *Snapshot) Taken() time.Time { return sn.taken }
func (sn *Snapshot) Len() int         { return len(sn.sections) }

// Sections returns a copy of the section list, sorted by class number.
func (sn *Snapshot) Sections() []Section {
	out := make([]Section, len(sn.sections))
	copy(out, sn.sections)
	return out
}

// Get returns the section with the given class number, if present.
func (sn *Snapshot) Get(classNbr int) (Section, bool) {
	i := sort.Search(len(sn.sections), func(i int) bool { return sn.sections[i].ClassNbr >= classNbr })
	if i < len(sn.sections) && sn.sections[i].ClassNbr == classNbr {
		return sn.sections[i], true
	}
	return Section{}, false
}

// Filter returns the effective view of the snapshot for a scope: the
// whole snapshot for a course scope, or just the matching section for a
// single-section scope (possibly empty if the section vanished upstream).
func (sn *Snapshot) Filter(sc Scope) *Snapshot {
	if sc.TracksAll() {
		return &Snapshot{course: sn.course, taken: sn.taken, sections: sn.Sections()}
	}
	var keep []Section
	if s, ok := sn.Get(sc.ClassNbr); ok {
		keep = []Section{s}
	}
	return &Snapshot{course: sn.course, taken: sn.taken, sections: keep}
}

// AvailableClassNbrs returns the class numbers currently accepting
// enrollment, ascending. Used for broadcast truth publications.
func (sn *Snapshot) AvailableClassNbrs() []int {
	out := make([]int, 0, len(sn.sections))
	for _, s := range sn.sections {
		if s.Available() {
			out = append(out, s.ClassNbr)
		}
	}
	return out
}
