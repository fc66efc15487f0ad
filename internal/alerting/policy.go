package alerting

import (
	"sync"
	"time"

	"equity-recon/internal/consistency"
)

// Policy decides whether a report warrants an alert: its action must be at
// least as severe as MinAction, and the pair must be outside its cooldown.
type Policy struct {
	minAction consistency.Action
	cooldown  time.Duration

	mu   sync.Mutex
	last map[string]time.Time
}

// NewPolicy constructs an alert policy.
func NewPolicy(minAction consistency.Action, cooldown time.Duration) *Policy {
	return &Policy{minAction: minAction, cooldown: cooldown, last: make(map[string]time.Time)}
}

// Seed primes the cooldown from previously emitted alerts.
func (p *Policy) Seed(pairKey string, at time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if at.After(p.last[pairKey]) {
		p.last[pairKey] = at
	}
}

// ShouldAlert reports whether an alert for pairKey at now is due. It does not
// record anything; call Record once the alert went out.
func (p *Policy) ShouldAlert(pairKey string, action consistency.Action, now time.Time) bool {
	if !action.AtLeastAsSevere(p.minAction) {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	last, ok := p.last[pairKey]
	return !ok || now.Sub(last) >= p.cooldown
}

// Record starts the cooldown for pairKey.
func (p *Policy) Record(pairKey string, at time.Time) {
	p.Seed(pairKey, at)
}
