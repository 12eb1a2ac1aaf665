package course

import (
	"fmt"
	"strconv"
	"strings"
)

// Scope identifies what a subscriber tracks: a whole course, or one
// class number within it (ClassNbr == 0 means the whole course; real
// class numbers are always positive).
type Scope struct {
	Course   string `json:"course"`
	ClassNbr int    `json:"classNbr,omitempty"`
}

// ParseScope parses "CSOPESY" or "CSOPESY:1234" (case-insensitive).
func ParseScope(arg string) (Scope, error) {
	arg = strings.ToUpper(strings.TrimSpace(arg))
	if arg == "" {
		return Scope{}, fmt.Errorf("empty scope")
	}
	courseCode, nbrStr, found := strings.Cut(arg, ":")
	courseCode = strings.TrimSpace(courseCode)
	if courseCode == "" {
		return Scope{}, fmt.Errorf("empty course code in %q", arg)
	}
	if !found {
		return Scope{Course: courseCode}, nil
	}
	nbr, err := strconv.Atoi(strings.TrimSpace(nbrStr))
	if err != nil || nbr <= 0 {
		return Scope{}, fmt.Errorf("class number must be a positive integer in %q", arg)
	}
	return Scope{Course: courseCode, ClassNbr: nbr}, nil
}

// TracksAll reports whether the scope covers every section of the course.
func (sc Scope) TracksAll() bool { return sc.ClassNbr == 0 }

// Matches reports whether a class number falls inside the scope.
func (sc Scope) Matches(classNbr int) bool {
	return sc.TracksAll() || sc.ClassNbr == classNbr
}

// Key is the canonical string form, also used as the baseline key:
// "CSOPESY" or "CSOPESY:1234".
func (sc Scope) Key() string {
	if sc.TracksAll() {
		return sc.Course
	}
	return sc.Course + ":" + strconv.Itoa(sc.ClassNbr)
}

func (sc Scope) String() string { return sc.Key() }
