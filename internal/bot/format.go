package bot

import (
	"errors"
	"fmt"
	"strings"

	"slotbot/internal/course"
	"slotbot/internal/source"
)

// FormatCourseStatus renders the live state of a course for /course:
// a per-section line plus Total/Open/Full counters.
func FormatCourseStatus(sn *course.Snapshot) string {
	sections := sn.Sections()
	if len(sections) == 0 {
		return fmt.Sprintf("*%s*: no sections offered right now.", sn.Course())
	}

	var b strings.Builder
	fmt.Fprintf(&b, "📋 *%s*\n", sn.Course())
	open := 0
	for _, s := range sections {
		mark := "🔴"
		if s.Available() {
			mark = "🟢"
			open++
		}
		fmt.Fprintf(&b, "%s `%d` %s %d/%d", mark, s.ClassNbr, s.Group, s.Enrolled, s.Capacity)
		if s.Remarks != "" {
			fmt.Fprintf(&b, " _%s_", s.Remarks)
		}
		b.WriteByte('\n')
	}
	fmt.Fprintf(&b, "\nTotal: %d | Open: %d | Full: %d",
		len(sections), open, len(sections)-open)
	return b.String()
}

func fetchErrorText(courseCode string, err error) string {
	switch {
	case errors.Is(err, source.ErrNotFound):
		return fmt.Sprintf("*%s* was not found this term.", courseCode)
	case errors.Is(err, source.ErrBlocked):
		return "The enrollment site is refusing lookups right now. Try again in a few minutes."
	default:
		return "Could not reach the enrollment site. Try again later."
	}
}
