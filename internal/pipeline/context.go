package pipeline

import (
	"fmt"
	"sort"

	"github.com/rs/zerolog/log"
)

// Key is a typed handle for a value stored in a Context.
// Two keys with the same name address the same slot.
type Key[T any] struct {
	name string
}

// NewKey creates a key for values of type T.
func NewKey[T any](name string) Key[T] {
	return Key[T]{name: name}
}

// Name returns the key's slot name.
func (k Key[T]) Name() string { return k.name }

// AnyKey is implemented by every Key[T]; used for precondition checks.
type AnyKey interface {
	Name() string
}

// MissingPreconditionError is returned when a stage reads a key an earlier
// stage was supposed to populate.
type MissingPreconditionError struct {
	Key string
}

func (e *MissingPreconditionError) Error() string {
	return fmt.Sprintf("missing precondition: %q is not set", e.Key)
}

// Context is the shared state threaded through one pipeline run.
// It is owned by a single run and is not safe for concurrent use.
type Context struct {
	values map[string]any
}

// NewContext returns an empty pipeline context.
func NewContext() *Context {
	return &Context{values: make(map[string]any)}
}

// Set stores v under k, replacing any previous value.
func Set[T any](c *Context, k Key[T], v T) {
	if _, exists := c.values[k.name]; exists {
		log.Debug().Str("key", k.name).Msg("Pipeline context value overwritten")
	}
	c.values[k.name] = v
}

// SetOnce stores v under k unless a value is already present.
func SetOnce[T any](c *Context, k Key[T], v T) error {
	if _, exists := c.values[k.name]; exists {
		return fmt.Errorf("pipeline context key %q already set", k.name)
	}
	c.values[k.name] = v
	return nil
}

// Get returns the value stored under k. ok is false when the slot is empty
// or holds a value of a different type.
func Get[T any](c *Context, k Key[T]) (v T, ok bool) {
	raw, exists := c.values[k.name]
	if !exists {
		return v, false
	}
	v, ok = raw.(T)
	return v, ok
}

// GetOr returns the value under k, or def when it is missing.
func GetOr[T any](c *Context, k Key[T], def T) T {
	if v, ok := Get(c, k); ok {
		return v
	}
	return def
}

// MustGet returns the value under k or panics with a MissingPreconditionError.
// Call Require first when the stage should fail cleanly.
func MustGet[T any](c *Context, k Key[T]) T {
	v, ok := Get(c, k)
	if !ok {
		panic(&MissingPreconditionError{Key: k.name})
	}
	return v
}

// Has reports whether a value is stored under the given key.
func (c *Context) Has(k AnyKey) bool {
	_, ok := c.values[k.Name()]
	return ok
}

// Delete clears the slot for k.
func (c *Context) Delete(k AnyKey) {
	delete(c.values, k.Name())
}

// Require returns a MissingPreconditionError for the first key not present.
func (c *Context) Require(keys ...AnyKey) error {
	for _, k := range keys {
		if !c.Has(k) {
			return &MissingPreconditionError{Key: k.Name()}
		}
	}
	return nil
}

// Keys returns the populated slot names in sorted order.
func (c *Context) Keys() []string {
	keys := make([]string, 0, len(c.values))
	for k := range c.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Snapshot returns a shallow copy of all stored values.
func (c *Context) Snapshot() map[string]any {
	out := make(map[string]any, len(c.values))
	for k, v := range c.values {
		out[k] = v
	}
	return out
}
