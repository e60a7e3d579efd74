package probe

import (
	"fmt"
	"sort"
	"sync"
)

// Factory builds a fresh probe instance. Loops never share instances:
// each loop gets its own from the factory.
type Factory func() Probe

var (
	regMu     sync.RWMutex
	factories = map[string]Factory{}
)

// Register makes a probe kind available by name. It panics on duplicate
// registration, which would indicate an init-order bug.
func Register(kind string, f Factory) {
	regMu.Lock()
	defer regMu.Unlock()
	if _, dup := factories[kind]; dup {
		panic(fmt.Sprintf("probe: duplicate registration for %q", kind))
	}
	if f == nil {
		panic(fmt.Sprintf("probe: nil factory for %q", kind))
	}
	factories[kind] = f
}

// New instantiates a registered probe kind.
func New(kind string) (Probe, error) {
	regMu.RLock()
	f, ok := factories[kind]
	regMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("probe: unknown kind %q (registered: %v)", kind, Kinds())
	}
	return f(), nil
}

// Kinds lists registered probe kinds, sorted.
func Kinds() []string {
	regMu.RLock()
	defer regMu.RUnlock()
	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
