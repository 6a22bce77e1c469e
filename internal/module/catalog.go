package module

import (
	"fmt"
	"sort"
	"strings"
)

// Factory creates a fresh module instance. It is called once per load.
type Factory func() Module

// Catalog is the static table of module constructors compiled into the
// binary.
type Catalog struct {
	factories map[string]Factory
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{factories: make(map[string]Factory)}
}

// Register adds a factory. Registering the same name twice is an error.
func (c *Catalog) Register(name string, f Factory) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	if f == nil {
		return fmt.Errorf("module %q: nil factory", name)
	}
	if _, exists := c.factories[name]; exists {
		return fmt.Errorf("module %q: factory already registered", name)
	}
	c.factories[name] = f
	return nil
}

// MustRegister is Register for static initialization; it panics on error.
func (c *Catalog) MustRegister(name string, f Factory) *Catalog {
	if err := c.Register(name, f); err != nil {
		panic(err)
	}
	return c
}

// Lookup returns the factory for name.
func (c *Catalog) Lookup(name string) (Factory, bool) {
	f, ok := c.factories[name]
	return f, ok
}

// Names returns every registered name, sorted.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.factories))
	for n := range c.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ValidateName checks the "namespace.name" shape.
func ValidateName(name string) error {
	ns, short, ok := strings.Cut(name, ".")
	if !ok || ns == "" || short == "" || strings.ContainsAny(short, "./\\ ") {
		return fmt.Errorf("invalid module name %q: want <namespace>.<name>", name)
	}
	return nil
}

// SplitName splits "system.database" into its namespace and short name.
func SplitName(name string) (namespace, short string) {
	namespace, short, _ = strings.Cut(name, ".")
	return namespace, short
}
