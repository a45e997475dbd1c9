package model

// ProposalKind distinguishes plain per-tick updates from vehicle
// origination and retirement reported by a provider.
type ProposalKind int

const (
	// ProposalUpdate proposes a new state for a vehicle the provider owns.
	ProposalUpdate ProposalKind = iota
	// ProposalNew reports a vehicle the provider has just originated
	// (e.g. traffic flow spawning at a lane entry).
	ProposalNew
	// ProposalRemove reports a vehicle the provider has retired
	// (e.g. reached the end of its route). The state carries the
	// last position before removal.
	ProposalRemove
)

func (k ProposalKind) String() string {
	switch k {
	case ProposalUpdate:
		return "update"
	case ProposalNew:
		return "new"
	case ProposalRemove:
		return "remove"
	default:
		return "unknown"
	}
}

// Proposal is a provider's suggested state change for one vehicle during one
// tick. Providers never mutate the canonical store; they only ever emit
// proposals, which the coordinator reconciles.
type Proposal struct {
	Kind  ProposalKind
	State VehicleState
}

// Capabilities is a provider's declared capability set, checked by the
// ownership manager before any handoff is attempted.
type Capabilities struct {
	// Originates reports whether the provider may spawn and retire
	// vehicles on its own.
	Originates bool
	// AcceptsHandoff reports whether the provider can become the owner of
	// a vehicle previously driven by another provider.
	AcceptsHandoff bool
	// SubSteps is the number of internal sub-steps the provider performs
	// per configured tick. Externally it always presents one update per
	// tick; this is informational. Minimum 1.
	SubSteps int
}
