package cloud

import (
	"context"
	"fmt"
	"io"
	"sync"
)

// VM is the provider-independent view of a created server.
type VM struct {
	ID       string
	Name     string
	PublicIP string
}

// VMProvider is one cloud backend. Implementations are acquired fresh
// per operation through Modules and released when the operation ends.
type VMProvider interface {
	Start(ctx context.Context, name, region string) (VM, error)
	Stop(ctx context.Context, name string) error
	Reboot(ctx context.Context, name string) error
	HasOAuth(ctx context.Context) (bool, error)
}

// Modules builds provider handles by name. Builders run per
// acquisition so each operation works against a fresh handle.
type Modules struct {
	mu       sync.RWMutex
	builders map[string]func() (VMProvider, error)
}

func NewModules() *Modules {
	return &Modules{builders: map[string]func() (VMProvider, error){}}
}

func (m *Modules) Register(name string, builder func() (VMProvider, error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.builders[name] = builder
}

func (m *Modules) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.builders))
	for name := range m.builders {
		names = append(names, name)
	}
	return names
}

// Acquire builds a fresh provider handle. The returned release func is
// idempotent and must run exactly once per successful acquisition; a
// failed acquisition returns no handle and nothing to release.
func (m *Modules) Acquire(name string) (VMProvider, func(), error) {
	m.mu.RLock()
	builder, ok := m.builders[name]
	m.mu.RUnlock()
	if !ok {
		return nil, nil, fmt.Errorf("%w: unknown provider %q", ErrUnsupportedOperation, name)
	}
	provider, err := builder()
	if err != nil {
		return nil, nil, fmt.Errorf("acquire provider %s: %w", name, err)
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			if closer, ok := provider.(io.Closer); ok {
				_ = closer.Close()
			}
		})
	}
	return provider, release, nil
}
