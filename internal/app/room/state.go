package room

type State int32

const (
	StateIdle State = iota
	StateAcquiringMedia
	StateJoining
	StateActive
	StateLeavingInProgress
	StateLeft
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAcquiringMedia:
		return "acquiring_media"
	case StateJoining:
		return "joining"
	case StateActive:
		return "active"
	case StateLeavingInProgress:
		return "leaving"
	case StateLeft:
		return "left"
	}
	return "unknown"
}

// Navigation targets after leaving.
const (
	DashboardPath = "/dashboard/meetings"
	loginPath     = "/login?redirect=/sala/"
)

// LoginPath is where an unauthenticated visitor of the room is sent.
func LoginPath(room string) string { return loginPath + room }

// Navigator moves the user elsewhere once the room is done with.
type Navigator interface {
	Navigate(target string)
}

type NavigatorFunc func(target string)

func (f NavigatorFunc) Navigate(target string) { f(target) }
