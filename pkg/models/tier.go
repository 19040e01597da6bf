package models

// Tier is a coarse model-size hint used when an AgentSpec names no model.
type Tier string

const (
	// TierScout is for lightweight exploration and research calls.
	TierScout Tier = "scout"
	// TierBuilder is for standard work.
	TierBuilder Tier = "builder"
	// TierArchitect is for complex design and planning calls.
	TierArchitect Tier = "architect"
)

// Valid returns true if the tier is a known value.
func (t Tier) Valid() bool {
	switch t {
	case TierScout, TierBuilder, TierArchitect:
		return true
	default:
		return false
	}
}

// ModelFamily returns the model family a tier maps to.
// Unknown or empty tiers map to the builder family.
func (t Tier) ModelFamily() string {
	switch t {
	case TierScout:
		return "haiku"
	case TierArchitect:
		return "opus"
	default:
		return "sonnet"
	}
}
