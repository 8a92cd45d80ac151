// Package headers implements the insertion-order-preserving, case-preserving
// header bag described in spec.md §9 ("Dynamic table of headers").
package headers

import "strings"

// Bag is an ordered multi-map of header name to values. Names preserve
// the capitalization they were first inserted with; repeated Add calls
// on the same name (case-insensitively) append rather than overwrite.
type Bag struct {
	order []string          // canonical (first-seen) names, in insertion order
	index map[string]int    // lower(name) -> position in order
	vals  map[string][]string // lower(name) -> values in insertion order
}

// New returns an empty header bag.
func New() *Bag {
	return &Bag{
		index: make(map[string]int),
		vals:  make(map[string][]string),
	}
}

func lower(s string) string {
	return strings.ToLower(s)
}

// Add appends a value for name, preserving the capitalization of the
// first Add for that name.
func (b *Bag) Add(name, value string) {
	key := lower(name)
	if _, ok := b.index[key]; !ok {
		b.index[key] = len(b.order)
		b.order = append(b.order, name)
	}
	b.vals[key] = append(b.vals[key], value)
}

// Set replaces all values for name with a single value.
func (b *Bag) Set(name, value string) {
	key := lower(name)
	if _, ok := b.index[key]; !ok {
		b.index[key] = len(b.order)
		b.order = append(b.order, name)
	}
	b.vals[key] = []string{value}
}

// Get returns the comma-joined values for name, and whether it was present.
func (b *Bag) Get(name string) (string, bool) {
	vs, ok := b.vals[lower(name)]
	if !ok || len(vs) == 0 {
		return "", false
	}
	return join(vs), true
}

// Values returns the raw (un-joined) values for name.
func (b *Bag) Values(name string) []string {
	return b.vals[lower(name)]
}

// Del removes name entirely.
func (b *Bag) Del(name string) {
	key := lower(name)
	pos, ok := b.index[key]
	if !ok {
		return
	}
	delete(b.index, key)
	delete(b.vals, key)
	b.order = append(b.order[:pos], b.order[pos+1:]...)
	for k, p := range b.index {
		if p > pos {
			b.index[k] = p - 1
		}
	}
}

// Names returns header names in first-insertion order.
func (b *Bag) Names() []string {
	out := make([]string, len(b.order))
	copy(out, b.order)
	return out
}

// Each calls fn once per header, with its comma-joined value, in
// insertion order.
func (b *Bag) Each(fn func(name, value string)) {
	for _, name := range b.order {
		v, _ := b.Get(name)
		fn(name, v)
	}
}

func join(vs []string) string {
	if len(vs) == 1 {
		return vs[0]
	}
	out := vs[0]
	for _, v := range vs[1:] {
		out += ", " + v
	}
	return out
}
