package mint

import "sync"

// HookRegistry decouples the issuance pipeline from the forge pipeline. Forge
// registers itself after construction instead of riding the constructor
// graph, which would otherwise cycle: issuance notifies forge, forge starts
// issuance operations.
type HookRegistry struct {
	mu    sync.RWMutex
	forge ForgeHook
}

func NewHookRegistry() *HookRegistry {
	return &HookRegistry{}
}

func (r *HookRegistry) RegisterForge(h ForgeHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.forge = h
}

func (r *HookRegistry) forgeHook() ForgeHook {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.forge
}
