package budget

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ShayCichocki/conductor/pkg/models"
)

// Defaults applied by DefaultConfig and to zero-valued Config fields.
const (
	DefaultSoftLimitRatio  = 0.80
	DefaultHardLimitRatio  = 0.95
	DefaultMaxThrottle     = 5 * time.Second
	DefaultWindow          = 20
	DefaultInitialEstimate = 4000
)

// ErrNotReserved is returned by Release for a node with no reservation.
var ErrNotReserved = errors.New("no reservation held for node")

// Config configures a Controller.
type Config struct {
	// Total is the token ceiling. Zero or negative means unlimited.
	Total int64
	// SoftLimitRatio is the projected/total ratio above which grants are throttled.
	SoftLimitRatio float64
	// HardLimitRatio is the projected/total ratio above which grants are denied.
	HardLimitRatio float64
	// MaxThrottle is the delay imposed at the hard limit.
	MaxThrottle time.Duration
	// InitialEstimate is the per-node estimate used before any completion is observed.
	InitialEstimate int64
	// Window is the number of recent completions averaged into the estimate.
	Window int
}

// DefaultConfig returns a Config with the given total and default limits.
func DefaultConfig(total int64) Config {
	return Config{
		Total:           total,
		SoftLimitRatio:  DefaultSoftLimitRatio,
		HardLimitRatio:  DefaultHardLimitRatio,
		MaxThrottle:     DefaultMaxThrottle,
		InitialEstimate: DefaultInitialEstimate,
		Window:          DefaultWindow,
	}
}

func (c Config) normalize() Config {
	if c.SoftLimitRatio <= 0 || c.SoftLimitRatio > 1 {
		c.SoftLimitRatio = DefaultSoftLimitRatio
	}
	if c.HardLimitRatio <= 0 {
		c.HardLimitRatio = DefaultHardLimitRatio
	}
	if c.HardLimitRatio < c.SoftLimitRatio {
		c.HardLimitRatio = c.SoftLimitRatio
	}
	if c.MaxThrottle < 0 {
		c.MaxThrottle = 0
	}
	if c.InitialEstimate < 0 {
		c.InitialEstimate = 0
	}
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	return c
}

// Grant is the outcome of an Acquire call.
type Grant struct {
	// Granted is false when the node must not run.
	Granted bool
	// Delay is how long the caller should wait before starting.
	Delay time.Duration
	// Reserved is the number of tokens held for the node.
	Reserved int64
	// Ratio is the projected usage ratio the decision was made on.
	Ratio float64
	// Status classifies Ratio against the limits.
	Status Status
}

// Stats is a point-in-time view of the controller.
type Stats struct {
	Total       int64
	Consumed    int64
	Reserved    int64
	Estimate    int64
	InFlight    int
	Completions int
	Denials     int
}

// State is the persistable part of the controller. Reservations are not
// included: a restored controller starts with nothing in flight.
type State struct {
	Consumed int64   `json:"consumed"`
	Estimate int64   `json:"estimate"`
	Samples  []int64 `json:"samples,omitempty"`
}

// Controller admits work against a token budget. All methods are safe for
// concurrent use, and every counter mutation goes through Acquire or
// Release.
type Controller struct {
	mu sync.Mutex

	cfg      Config
	consumed int64
	reserved int64
	// ledger maps node id to the tokens reserved for it at acquire time.
	ledger map[string]int64
	// samples is the rolling window of observed per-node usage.
	samples     []int64
	estimate    int64
	completions int
	denials     int

	debugLog func(format string, args ...interface{})
}

// New creates a Controller.
func New(cfg Config) *Controller {
	cfg = cfg.normalize()
	return &Controller{
		cfg:      cfg,
		ledger:   make(map[string]int64),
		estimate: cfg.InitialEstimate,
		debugLog: func(format string, args ...interface{}) {},
	}
}

// SetDebugLog sets the debug logging function.
func (c *Controller) SetDebugLog(fn func(format string, args ...interface{})) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if fn != nil {
		c.debugLog = fn
	}
}

// SetLimits replaces the soft and hard ratios and the maximum throttle.
// Invalid values fall back to defaults.
func (c *Controller) SetLimits(soft, hard float64, maxThrottle time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cfg := c.cfg
	cfg.SoftLimitRatio = soft
	cfg.HardLimitRatio = hard
	cfg.MaxThrottle = maxThrottle
	c.cfg = cfg.normalize()
}

// Acquire decides whether nodeID may start. On a grant the current
// estimate is reserved for the node; a denial leaves all state unchanged.
// Acquiring for a node that already holds a reservation returns that
// reservation without reserving again.
func (c *Controller) Acquire(nodeID string) Grant {
	c.mu.Lock()
	defer c.mu.Unlock()

	if held, ok := c.ledger[nodeID]; ok {
		ratio := c.ratio(c.consumed + c.reserved)
		return Grant{Granted: true, Reserved: held, Ratio: ratio, Status: c.classify(ratio)}
	}

	ratio := c.ratio(c.consumed + c.reserved + c.estimate)
	status := c.classify(ratio)
	if status == StatusHardLimit {
		c.denials++
		c.debugLog("[budget] deny %s: ratio=%.3f consumed=%d reserved=%d estimate=%d",
			nodeID, ratio, c.consumed, c.reserved, c.estimate)
		return Grant{Granted: false, Ratio: ratio, Status: status}
	}

	var delay time.Duration
	if status == StatusSoftLimit {
		delay = c.throttle(ratio)
	}

	c.ledger[nodeID] = c.estimate
	c.reserved += c.estimate
	c.debugLog("[budget] grant %s: reserved=%d ratio=%.3f delay=%s", nodeID, c.estimate, ratio, delay)

	return Grant{
		Granted:  true,
		Delay:    delay,
		Reserved: c.estimate,
		Ratio:    ratio,
		Status:   status,
	}
}

// throttle scales the delay linearly from 0 at the soft limit to
// MaxThrottle at the hard limit. Must be called with lock held.
func (c *Controller) throttle(ratio float64) time.Duration {
	span := c.cfg.HardLimitRatio - c.cfg.SoftLimitRatio
	if span <= 0 {
		return c.cfg.MaxThrottle
	}
	frac := (ratio - c.cfg.SoftLimitRatio) / span
	if frac < 0 {
		frac = 0
	}
	if frac > 1 {
		frac = 1
	}
	return time.Duration(frac * float64(c.cfg.MaxThrottle))
}

// Wait blocks for the grant's throttle delay or until ctx is done.
func Wait(ctx context.Context, g Grant) error {
	if g.Delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(g.Delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Release returns nodeID's reservation and records its actual usage. The
// reservation removed is exactly what Acquire reserved, regardless of how
// actual usage compares to it.
func (c *Controller) Release(nodeID string, usage models.TokenUsage) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	held, ok := c.ledger[nodeID]
	if !ok {
		return fmt.Errorf("release %s: %w", nodeID, ErrNotReserved)
	}
	delete(c.ledger, nodeID)

	actual := usage.Total()
	c.reserved -= held
	c.consumed += actual
	c.completions++

	c.samples = append(c.samples, actual)
	if len(c.samples) > c.cfg.Window {
		c.samples = c.samples[len(c.samples)-c.cfg.Window:]
	}
	c.estimate = mean(c.samples)

	c.debugLog("[budget] release %s: reserved=%d actual=%d consumed=%d estimate=%d",
		nodeID, held, actual, c.consumed, c.estimate)
	return nil
}

// Check classifies consumed plus in-flight reservations plus usage
// against the limits without changing any state.
func (c *Controller) Check(usage models.TokenUsage) Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.classify(c.ratio(c.consumed + c.reserved + usage.Total()))
}

// Remaining returns the tokens not yet consumed or reserved. It returns
// -1 for an unlimited budget.
func (c *Controller) Remaining() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cfg.Total <= 0 {
		return -1
	}
	left := c.cfg.Total - c.consumed - c.reserved
	if left < 0 {
		return 0
	}
	return left
}

// EstimatedRemainingNodes returns how many more nodes fit in the budget
// at the current estimate. It returns -1 when the budget is unlimited or
// no estimate is available.
func (c *Controller) EstimatedRemainingNodes() int64 {
	remaining := c.Remaining()
	c.mu.Lock()
	defer c.mu.Unlock()
	if remaining < 0 || c.estimate <= 0 {
		return -1
	}
	return remaining / c.estimate
}

// Estimate returns the current per-node token estimate.
func (c *Controller) Estimate() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.estimate
}

// Stats returns a snapshot of the controller's counters.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Total:       c.cfg.Total,
		Consumed:    c.consumed,
		Reserved:    c.reserved,
		Estimate:    c.estimate,
		InFlight:    len(c.ledger),
		Completions: c.completions,
		Denials:     c.denials,
	}
}

// State returns the persistable controller state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return State{
		Consumed: c.consumed,
		Estimate: c.estimate,
		Samples:  append([]int64(nil), c.samples...),
	}
}

// Restore replaces consumed usage and the estimate window with s and
// drops every outstanding reservation.
func (c *Controller) Restore(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.consumed = s.Consumed
	c.samples = append([]int64(nil), s.Samples...)
	if len(c.samples) > c.cfg.Window {
		c.samples = c.samples[len(c.samples)-c.cfg.Window:]
	}
	switch {
	case len(c.samples) > 0:
		c.estimate = mean(c.samples)
	case s.Estimate > 0:
		c.estimate = s.Estimate
	default:
		c.estimate = c.cfg.InitialEstimate
	}
	c.reserved = 0
	c.ledger = make(map[string]int64)
}

// ratio returns projected/total, or 0 for an unlimited budget.
func (c *Controller) ratio(projected int64) float64 {
	if c.cfg.Total <= 0 {
		return 0
	}
	return float64(projected) / float64(c.cfg.Total)
}

func (c *Controller) classify(ratio float64) Status {
	switch {
	case c.cfg.Total <= 0:
		return StatusOK
	case ratio > c.cfg.HardLimitRatio:
		return StatusHardLimit
	case ratio > c.cfg.SoftLimitRatio:
		return StatusSoftLimit
	default:
		return StatusOK
	}
}

func mean(samples []int64) int64 {
	if len(samples) == 0 {
		return 0
	}
	var sum int64
	for _, s := range samples {
		sum += s
	}
	return sum / int64(len(samples))
}
