package models

// Backend identifies one of the fixed execution targets a task can be routed to.
type Backend string

const (
	// BackendInteractive is the interactive coding agent (multi-file edits in a working tree).
	BackendInteractive Backend = "interactive"
	// BackendParallel is the parallel-capable agent used for broad research work.
	BackendParallel Backend = "parallel"
	// BackendAPI is the pay-per-token API tier.
	BackendAPI Backend = "api"
	// BackendLocal is the free local model tier.
	BackendLocal Backend = "local"
)

// AllBackends lists every backend in the default static preference order.
var AllBackends = []Backend{BackendInteractive, BackendParallel, BackendAPI, BackendLocal}

// Valid returns true if the backend is a known value.
func (b Backend) Valid() bool {
	switch b {
	case BackendInteractive, BackendParallel, BackendAPI, BackendLocal:
		return true
	default:
		return false
	}
}

// IsFree reports whether calls to this backend cost nothing against the budget.
func (b Backend) IsFree() bool {
	return b == BackendLocal
}

// ParseBackend converts a string into a Backend, returning false if unknown.
func ParseBackend(s string) (Backend, bool) {
	b := Backend(s)
	return b, b.Valid()
}
