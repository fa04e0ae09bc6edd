package healing

import "sync"

// ModuleTuning holds the runtime adjustments remediation has made for a module.
type ModuleTuning struct {
	TimeoutScale  float64 `json:"timeoutScale"`
	RetryAttempts int     `json:"retryAttempts"`
}

// Tuning is the adjustment table written by the retryWithBackoff and
// increaseTimeout handlers and read by the orchestrator when it runs modules.
// The empty module name holds adjustments that apply to every module.
type Tuning struct {
	mu      sync.RWMutex
	modules map[string]ModuleTuning
}

func NewTuning() *Tuning {
	return &Tuning{modules: make(map[string]ModuleTuning)}
}

// For returns the effective tuning of module, combining global and
// module-specific adjustments by taking the larger of each.
func (t *Tuning) For(module string) ModuleTuning {
	t.mu.RLock()
	defer t.mu.RUnlock()

	eff := ModuleTuning{TimeoutScale: 1, RetryAttempts: 1}
	for _, key := range []string{"", module} {
		mt, ok := t.modules[key]
		if !ok {
			continue
		}
		if mt.TimeoutScale > eff.TimeoutScale {
			eff.TimeoutScale = mt.TimeoutScale
		}
		if mt.RetryAttempts > eff.RetryAttempts {
			eff.RetryAttempts = mt.RetryAttempts
		}
	}
	return eff
}

// EnableRetry sets the retry attempts for module.
func (t *Tuning) EnableRetry(module string, attempts int) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	mt := t.get(module)
	if attempts > mt.RetryAttempts {
		mt.RetryAttempts = attempts
	}
	t.modules[module] = mt
	return mt.RetryAttempts
}

// ScaleTimeout multiplies module's timeout scale by factor, capped at max, and
// returns the new scale.
func (t *Tuning) ScaleTimeout(module string, factor, max float64) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	mt := t.get(module)
	mt.TimeoutScale *= factor
	if max > 0 && mt.TimeoutScale > max {
		mt.TimeoutScale = max
	}
	t.modules[module] = mt
	return mt.TimeoutScale
}

// Snapshot returns a copy of all adjustments.
func (t *Tuning) Snapshot() map[string]ModuleTuning {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]ModuleTuning, len(t.modules))
	for k, v := range t.modules {
		out[k] = v
	}
	return out
}

func (t *Tuning) get(module string) ModuleTuning {
	mt, ok := t.modules[module]
	if !ok {
		mt = ModuleTuning{TimeoutScale: 1, RetryAttempts: 1}
	}
	return mt
}
