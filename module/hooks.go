package module

import (
	"sync"

	"github.com/apex/log"
)

// Hook names fired around lifecycle transitions. Listeners registered
// for a hook run synchronously, in registration order, before the
// operation continues.
type Hook string

const (
	InstallBefore   Hook = "module.install.before"
	InstallAfter    Hook = "module.install.after"
	ReplaceBefore   Hook = "module.replace.before"
	ReplaceAfter    Hook = "module.replace.after"
	EnablingBefore  Hook = "module.enabling.before"
	EnabledAfter    Hook = "module.enabled.after"
	DisablingBefore Hook = "module.disabling.before"
	DisabledAfter   Hook = "module.disabled.after"
)

// HookFunc receives the module identifier (or, for pre-install hooks
// where no identifier exists yet, the declared name) of the module the
// transition applies to.
type HookFunc func(id string)

// Hooks is the in-process listener registry modules and the host hang
// their extension points on.
type Hooks struct {
	mu        sync.RWMutex
	listeners map[Hook][]HookFunc
}

func NewHooks() *Hooks {
	return &Hooks{listeners: make(map[Hook][]HookFunc)}
}

// On registers a listener for the named hook.
func (h *Hooks) On(hook Hook, fn HookFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listeners[hook] = append(h.listeners[hook], fn)
}

// Fire runs every listener registered for the hook.
func (h *Hooks) Fire(hook Hook, id string) {
	h.mu.RLock()
	fns := h.listeners[hook]
	h.mu.RUnlock()

	if len(fns) == 0 {
		return
	}
	log.WithFields(log.Fields{"hook": string(hook), "module": id}).Debug("firing lifecycle hook")
	for _, fn := range fns {
		fn(id)
	}
}
