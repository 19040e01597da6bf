package agent

import (
	"sort"
	"strings"
	"sync"

	"github.com/ShayCichocki/conductor/pkg/models"
)

// ModelPricing contains pricing per 1M tokens for a model.
type ModelPricing struct {
	InputPerMillion  float64 // Cost per 1M input tokens
	OutputPerMillion float64 // Cost per 1M output tokens
}

// DefaultModelPricing contains pricing for known Claude models.
var DefaultModelPricing = map[string]ModelPricing{
	ModelOpus:                    {InputPerMillion: 5.00, OutputPerMillion: 25.00},
	ModelSonnet:                  {InputPerMillion: 3.00, OutputPerMillion: 15.00},
	ModelHaiku:                   {InputPerMillion: 1.00, OutputPerMillion: 5.00},
	"claude-3-5-sonnet-20241022": {InputPerMillion: 3.00, OutputPerMillion: 15.00},
	"claude-3-5-haiku-20241022":  {InputPerMillion: 0.80, OutputPerMillion: 4.00},
}

// PricingFor returns pricing for a model id. Unknown ids fall back to the
// family named in the id, then to sonnet pricing.
func PricingFor(model string) ModelPricing {
	if p, ok := DefaultModelPricing[model]; ok {
		return p
	}
	lower := strings.ToLower(model)
	switch {
	case strings.Contains(lower, "opus"):
		return DefaultModelPricing[ModelOpus]
	case strings.Contains(lower, "haiku"):
		return DefaultModelPricing[ModelHaiku]
	default:
		return DefaultModelPricing[ModelSonnet]
	}
}

// Cost returns the dollar cost of usage at the given pricing.
func (p ModelPricing) Cost(usage models.TokenUsage) float64 {
	return float64(usage.Input)/1_000_000*p.InputPerMillion +
		float64(usage.Output)/1_000_000*p.OutputPerMillion
}

// UsageEntry is the accumulated usage of one tracked unit of work.
type UsageEntry struct {
	ID    string
	Model string
	Usage models.TokenUsage
	Calls int
}

// UsageTracker aggregates token usage across nodes and subagents.
type UsageTracker struct {
	mu      sync.RWMutex
	entries map[string]*UsageEntry
}

// NewUsageTracker creates an empty tracker.
func NewUsageTracker() *UsageTracker {
	return &UsageTracker{
		entries: make(map[string]*UsageEntry),
	}
}

// Record adds usage for id. The model of the first record for an id is kept.
func (t *UsageTracker) Record(id, model string, usage models.TokenUsage) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[id]
	if !ok {
		e = &UsageEntry{ID: id, Model: model}
		t.entries[id] = e
	}
	e.Usage = e.Usage.Add(usage)
	e.Calls++
}

// Get returns the entry for id.
func (t *UsageTracker) Get(id string) (UsageEntry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	e, ok := t.entries[id]
	if !ok {
		return UsageEntry{}, false
	}
	return *e, true
}

// Usage returns the combined usage across all entries.
func (t *UsageTracker) Usage() models.TokenUsage {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var total models.TokenUsage
	for _, e := range t.entries {
		total = total.Add(e.Usage)
	}
	return total
}

// Cost returns the combined dollar cost across all entries.
func (t *UsageTracker) Cost() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var total float64
	for _, e := range t.entries {
		total += PricingFor(e.Model).Cost(e.Usage)
	}
	return total
}

// Entries returns every entry sorted by id.
func (t *UsageTracker) Entries() []UsageEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]UsageEntry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
