// Copyright hostmon authors.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package bus

import (
	"fmt"

	"github.com/go-logr/logr"
)

// Component is a subsystem that can attach itself to a Bus. Each
// hostmon pipeline (systemd sampler, interface pipeline) implements
// Component and is registered once at startup.
type Component interface {
	// Name identifies the component for logging and diagnostics.
	Name() string
	// Subscribe registers the component's handlers on b. Called once,
	// before Bus.Run starts.
	Subscribe(b *Bus)
}

// Registry tracks the named Components an Agent has wired together. It
// exists purely for introspection and orderly startup logging; nothing
// in Bus itself depends on it.
type Registry struct {
	components map[string]Component
	order      []string
	logger     logr.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger logr.Logger) *Registry {
	return &Registry{
		components: make(map[string]Component),
		logger:     logger.WithName("registry"),
	}
}

// Register adds component to the registry and subscribes it to b. It
// returns an error if a component with the same name is already
// registered.
func (r *Registry) Register(b *Bus, component Component) error {
	if component == nil {
		return fmt.Errorf("cannot register nil component")
	}
	name := component.Name()
	if _, exists := r.components[name]; exists {
		return fmt.Errorf("component %q already registered", name)
	}
	component.Subscribe(b)
	r.components[name] = component
	r.order = append(r.order, name)
	r.logger.Info("registered component", "name", name)
	return nil
}

// Get returns the component registered under name, or nil.
func (r *Registry) Get(name string) Component {
	return r.components[name]
}

// Names returns the registered component names in registration order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.order))
	copy(names, r.order)
	return names
}
