package bill

import "fmt"

// Status is the review state of a record
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusRejected  Status = "rejected"
)

// transitions lists the allowed moves between distinct states. None of the
// states is terminal; review can always be corrected.
var transitions = map[Status][]Status{
	StatusPending:   {StatusConfirmed, StatusRejected},
	StatusConfirmed: {StatusRejected, StatusPending},
	StatusRejected:  {StatusPending, StatusConfirmed},
}

// ParseStatus converts a string into a known Status
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", invalid("status", fmt.Sprintf("unknown status %q", s))
	}
	return st, nil
}

// Valid reports whether s is one of the defined states
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// next resolves a requested transition. Moving to the current state is a
// no-op and reports changed == false.
func (s Status) next(to Status) (Status, bool, error) {
	if !to.Valid() {
		return s, false, invalid("status", fmt.Sprintf("unknown status %q", to))
	}
	if s == to {
		return s, false, nil
	}
	for _, allowed := range transitions[s] {
		if allowed == to {
			return to, true, nil
		}
	}
	return s, false, nil
}
