package locks

import "fmt"

// Mode is a lock mode. Modes are ordered by strength IS < IX < S < U < SIX < X.
type Mode uint8

const (
	ModeIS Mode = iota
	ModeIX
	ModeS
	ModeU
	ModeSIX
	ModeX
)

// AllModes lists every mode in strength order.
var AllModes = []Mode{ModeIS, ModeIX, ModeS, ModeU, ModeSIX, ModeX}

func (m Mode) String() string {
	switch m {
	case ModeIS:
		return "IS"
	case ModeIX:
		return "IX"
	case ModeS:
		return "S"
	case ModeU:
		return "U"
	case ModeSIX:
		return "SIX"
	case ModeX:
		return "X"
	}
	return fmt.Sprintf("Mode(%d)", uint8(m))
}

// Strength is the position of the mode in the strength order.
func (m Mode) Strength() int {
	return int(m)
}

// compatibility[held][requested] is true when the two modes may be held on
// one resource by different transactions at the same time.
var compatibility = [6][6]bool{
	//           IS     IX     S      U      SIX    X
	ModeIS:  {true, true, true, true, true, false},
	ModeIX:  {true, true, false, false, false, false},
	ModeS:   {true, false, true, true, false, false},
	ModeU:   {true, false, true, true, false, false},
	ModeSIX: {true, false, false, false, false, false},
	ModeX:   {false, false, false, false, false, false},
}

// Compatible reports whether requested can be granted while another
// transaction holds held.
func Compatible(held, requested Mode) bool {
	return compatibility[held][requested]
}

// IntentFor returns the mode a request for m needs on every ancestor.
func IntentFor(m Mode) Mode {
	switch m {
	case ModeIS, ModeS:
		return ModeIS
	}
	return ModeIX
}

// Covers reports whether holding held already grants everything requested
// grants: held is at least as strong and conflicts with every mode
// requested conflicts with.
func Covers(held, requested Mode) bool {
	if held.Strength() < requested.Strength() {
		return false
	}
	for _, other := range AllModes {
		if Compatible(held, other) && !Compatible(requested, other) {
			return false
		}
	}
	return true
}

// Join returns the weakest mode covering both a and b. It is the mode a
// transaction holding a ends up with after requesting b, e.g. S and IX join
// to SIX.
func Join(a, b Mode) Mode {
	for _, m := range AllModes {
		if Covers(m, a) && Covers(m, b) {
			return m
		}
	}
	return ModeX
}
