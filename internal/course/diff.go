package course

import "sort"

// ChangeKind classifies one observed difference between two snapshots.
//
// The numeric order of the kinds is the tie-break order inside a class
// number: Opened/Closed are reported before EnrollmentChanged so the
// headline change leads the notification text.
type ChangeKind int

const (
	SectionAdded ChangeKind = iota
	SectionRemoved
	SectionOpened
	SectionClosed
	EnrollmentChanged
)

func (k ChangeKind) String() string {
	switch k {
	case SectionAdded:
		return "added"
	case SectionRemoved:
		return "removed"
	case SectionOpened:
		return "opened"
	case SectionClosed:
		return "closed"
	case EnrollmentChanged:
		return "enrollment"
	default:
		return "unknown"
	}
}

// Change is one classified difference, attributable to exactly one class
// number in one course. Section carries the current section data (the
// previous data for SectionRemoved). OldEnrolled/NewEnrolled are set for
// EnrollmentChanged only.
type Change struct {
	Kind     ChangeKind
	Course   string
	ClassNbr int
	Section  Section

	OldEnrolled int
	NewEnrolled int
}

// Diff computes the ordered change set between two snapshots of the same
// course.
//
// A nil prev means first observation: curr becomes the baseline silently
// and no changes are reported (a new subscriber must not be flooded with
// "everything just appeared").
//
// Output order is deterministic regardless of input section order: class
// number ascending, then ChangeKind order within a class number. A
// section whose availability flips AND whose enrollment moves produces
// both records.
//
// Pure function: inputs are never mutated.
func Diff(prev, curr *Snapshot) []Change {
	if prev == nil || curr == nil {
		return nil
	}

	prevBy := make(map[int]Section, prev.Len())
	for _, s := range prev.sections {
		prevBy[s.ClassNbr] = s
	}
	currBy := make(map[int]Section, curr.Len())
	for _, s := range curr.sections {
		currBy[s.ClassNbr] = s
	}

	nbrs := make([]int, 0, len(prevBy)+len(currBy))
	for n := range prevBy {
		nbrs = append(nbrs, n)
	}
	for n := range currBy {
		if _, ok := prevBy[n]; !ok {
			nbrs = append(nbrs, n)
		}
	}
	sort.Ints(nbrs)

	var out []Change
	for _, n := range nbrs {
		old, inPrev := prevBy[n]
		now, inCurr := currBy[n]

		switch {
		case !inPrev:
			out = append(out, Change{Kind: SectionAdded, Course: curr.course, ClassNbr: n, Section: now})
		case !inCurr:
			out = append(out, Change{Kind: SectionRemoved, Course: curr.course, ClassNbr: n, Section: old})
		default:
			wasOpen, isOpen := old.Available(), now.Available()
			if !wasOpen && isOpen {
				out = append(out, Change{Kind: SectionOpened, Course: curr.course, ClassNbr: n, Section: now})
			} else if wasOpen && !isOpen {
				out = append(out, Change{Kind: SectionClosed, Course: curr.course, ClassNbr: n, Section: now})
			}
			if old.Enrolled != now.Enrolled {
				out = append(out, Change{
					Kind:        EnrollmentChanged,
					Course:      curr.course,
					ClassNbr:    n,
					Section:     now,
					OldEnrolled: old.Enrolled,
					NewEnrolled: now.Enrolled,
				})
			}
		}
	}
	return out
}
