package graph

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/aretw0/espalier/pkg/domain"
)

// HandlerFactory builds a handler from the node's config block.
type HandlerFactory func(config map[string]any) (domain.Handler, error)

// Catalog resolves handlers and predicates by name for file-defined workflows.
type Catalog struct {
	mu         sync.RWMutex
	handlers   map[string]HandlerFactory
	predicates map[string]domain.Predicate
}

// NewCatalog creates a new empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{
		handlers:   make(map[string]HandlerFactory),
		predicates: make(map[string]domain.Predicate),
	}
}

// RegisterHandler adds a handler factory.
// If a handler with the same name exists, it is overwritten.
func (c *Catalog) RegisterHandler(name string, factory HandlerFactory) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[name] = factory
}

// RegisterFunc adds a handler that ignores its config.
func (c *Catalog) RegisterFunc(name string, fn domain.HandlerFunc) {
	c.RegisterHandler(name, func(map[string]any) (domain.Handler, error) {
		return fn, nil
	})
}

// RegisterPredicate adds a named predicate.
func (c *Catalog) RegisterPredicate(name string, p domain.Predicate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.predicates[name] = p
}

// Handler looks up a factory by name and builds the handler.
func (c *Catalog) Handler(name string, config map[string]any) (domain.Handler, error) {
	c.mu.RLock()
	factory, ok := c.handlers[name]
	c.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("handler not found: %s", name)
	}
	h, err := factory(config)
	if err != nil {
		return nil, fmt.Errorf("handler %s: %w", name, err)
	}
	return h, nil
}

// Predicate resolves a predicate expression.
// Besides registered names it understands "field:<key>" (the field is truthy)
// and a leading "!" for negation.
func (c *Catalog) Predicate(expr string) (domain.Predicate, error) {
	expr = strings.TrimSpace(expr)
	if rest, ok := strings.CutPrefix(expr, "!"); ok {
		p, err := c.Predicate(rest)
		if err != nil {
			return nil, err
		}
		return func(v domain.View) bool { return !p(v) }, nil
	}
	if key, ok := strings.CutPrefix(expr, "field:"); ok {
		key = strings.TrimSpace(key)
		if key == "" {
			return nil, fmt.Errorf("empty field predicate")
		}
		return func(v domain.View) bool { return v.Bool(key) }, nil
	}

	c.mu.RLock()
	p, ok := c.predicates[expr]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("predicate not found: %s", expr)
	}
	return p, nil
}

// HandlerNames lists registered handler names, sorted.
func (c *Catalog) HandlerNames() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.handlers))
	for n := range c.handlers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
