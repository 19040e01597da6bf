package agent

import (
	"strings"

	"github.com/ShayCichocki/conductor/pkg/models"
)

// Model identifiers for different capability levels.
const (
	// ModelHaiku is the lightweight, fast model for simple work.
	ModelHaiku = "claude-haiku-4-5-20251001"
	// ModelSonnet is the balanced model for standard work.
	ModelSonnet = "claude-sonnet-4-20250514"
	// ModelOpus is the most capable model for complex work.
	ModelOpus = "claude-opus-4-5-20251101"
)

// Keywords that indicate an agent can use haiku.
var haikuKeywords = []string{
	"simple",
	"summarize",
	"classify",
	"extract",
	"format",
}

// Keywords that indicate an agent needs opus.
var opusKeywords = []string{
	"architecture",
	"design",
	"plan",
	"critique",
	"complex",
}

// TierDefaultModels maps tiers to their default models.
var TierDefaultModels = map[models.Tier]string{
	models.TierScout:     ModelHaiku,
	models.TierBuilder:   ModelSonnet,
	models.TierArchitect: ModelOpus,
}

// SelectModel chooses the model for a spec:
//   - an explicit Model always wins
//   - a valid Tier selects that tier's default
//   - otherwise keywords in the instructions and prompt pick haiku or opus
//   - otherwise sonnet
func SelectModel(spec models.AgentSpec) string {
	if spec.Model != "" {
		return spec.Model
	}
	if spec.Tier.Valid() {
		if model, ok := TierDefaultModels[spec.Tier]; ok {
			return model
		}
	}

	text := strings.ToLower(spec.Instructions + " " + spec.Prompt)
	for _, kw := range haikuKeywords {
		if strings.Contains(text, kw) {
			return ModelHaiku
		}
	}
	for _, kw := range opusKeywords {
		if strings.Contains(text, kw) {
			return ModelOpus
		}
	}
	return ModelSonnet
}
