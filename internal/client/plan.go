package client

import (
	"context"
	"sync"

	"formcraft/api/internal/plan"
)

// PlanSlice caches the caller's subscription and answers quota and
// feature questions locally. Until Load succeeds the hobby tier applies.
type PlanSlice struct {
	mu      sync.Mutex
	backend Backend
	sub     *Subscription
	lastErr error
}

func (p *PlanSlice) Load(ctx context.Context) (Subscription, error) {
	sub, err := p.backend.Subscription(ctx)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastErr = err
	if err != nil {
		return Subscription{}, err
	}
	sub.Plan = plan.Normalize(string(sub.Plan))
	p.sub = &sub
	return sub, nil
}

func (p *PlanSlice) Tier() plan.Tier {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sub == nil {
		return plan.TierHobby
	}
	return p.sub.Plan
}

// CanCreateForm reports whether a user owning count forms may add one.
func (p *PlanSlice) CanCreateForm(count int) bool {
	return p.checkQuota(count) == nil
}

func (p *PlanSlice) checkQuota(count int) error {
	return plan.CheckFormQuota(p.Tier(), count)
}

func (p *PlanSlice) Can(feature plan.Feature) bool {
	return plan.Can(p.Tier(), feature)
}

func (p *PlanSlice) LastError() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastErr
}

func (p *PlanSlice) reset() {
	p.mu.Lock()
	p.sub = nil
	p.lastErr = nil
	p.mu.Unlock()
}
