// Package item defines the immutable values that flow through pipeline
// channels: scalars, file references, and ordered tuples of either. Every
// item optionally carries a correlation key (for example a sample id) that
// grouping and joining combinators use to match related items across
// channels.
package item

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Kind discriminates the three item variants.
type Kind uint8

const (
	// KindScalar is a plain string value.
	KindScalar Kind = iota
	// KindFile is a reference to a file on disk plus its logical name.
	KindFile
	// KindTuple is an ordered sequence of items of mixed kinds.
	KindTuple
	// KindAny marks a shape whose concrete kind is not known statically,
	// e.g. the result of selecting one element out of a mixed tuple. No
	// concrete item ever carries this kind.
	KindAny
)

// String returns a human-readable name for the kind.
func (k Kind) String() string {
	switch k {
	case KindScalar:
		return "scalar"
	case KindFile:
		return "file"
	case KindTuple:
		return "tuple"
	case KindAny:
		return "any"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// FileRef points at a file produced or consumed by a task. Path is where the
// file actually lives; Name is the logical name a consuming command expects
// the file to be staged under.
type FileRef struct {
	Path string
	Name string
}

// Item is an immutable unit of channel data. The zero value is an empty
// scalar with no key. Items are value types; constructors and accessors copy
// tuple contents so no two items ever share mutable state.
type Item struct {
	kind   Kind
	key    string
	scalar string
	file   FileRef
	tuple  []Item
}

// Scalar returns a scalar item carrying the given correlation key.
func Scalar(key, value string) Item {
	return Item{kind: KindScalar, key: key, scalar: value}
}

// File returns a file item whose logical name is the path's base name.
func File(key, path string) Item {
	return FileNamed(key, path, filepath.Base(path))
}

// FileNamed returns a file item with an explicit logical name.
func FileNamed(key, path, name string) Item {
	return Item{kind: KindFile, key: key, file: FileRef{Path: path, Name: name}}
}

// Tuple returns a tuple item over copies of the given elements.
func Tuple(key string, elems ...Item) Item {
	cp := make([]Item, len(elems))
	copy(cp, elems)
	return Item{kind: KindTuple, key: key, tuple: cp}
}

// Kind reports which variant this item is.
func (it Item) Kind() Kind { return it.kind }

// Key returns the item's correlation key, which may be empty.
func (it Item) Key() string { return it.key }

// WithKey returns a copy of the item carrying a different correlation key.
func (it Item) WithKey(key string) Item {
	cp := it
	cp.key = key
	if it.kind == KindTuple {
		cp.tuple = make([]Item, len(it.tuple))
		copy(cp.tuple, it.tuple)
	}
	return cp
}

// Scalar returns the scalar value. It is only meaningful for KindScalar.
func (it Item) Scalar() string { return it.scalar }

// File returns the file reference. It is only meaningful for KindFile.
func (it Item) File() FileRef { return it.file }

// Len returns the tuple arity for tuples and 1 for scalars and files.
func (it Item) Len() int {
	if it.kind == KindTuple {
		return len(it.tuple)
	}
	return 1
}

// At returns element i. A non-tuple item is treated as a 1-tuple of itself,
// so At(0) is valid for every item.
func (it Item) At(i int) (Item, error) {
	if it.kind != KindTuple {
		if i == 0 {
			return it, nil
		}
		return Item{}, fmt.Errorf("index %d out of range for %s item", i, it.kind)
	}
	if i < 0 || i >= len(it.tuple) {
		return Item{}, fmt.Errorf("index %d out of range for tuple of %d", i, len(it.tuple))
	}
	return it.tuple[i], nil
}

// Elems returns a copy of the tuple's elements. A non-tuple item yields a
// single-element slice containing itself.
func (it Item) Elems() []Item {
	if it.kind != KindTuple {
		return []Item{it}
	}
	cp := make([]Item, len(it.tuple))
	copy(cp, it.tuple)
	return cp
}

// Files returns every file reference reachable from this item, in tuple
// order. Scalars contribute nothing.
func (it Item) Files() []FileRef {
	switch it.kind {
	case KindFile:
		return []FileRef{it.file}
	case KindTuple:
		var refs []FileRef
		for _, e := range it.tuple {
			refs = append(refs, e.Files()...)
		}
		return refs
	default:
		return nil
	}
}

// String renders the item for logs and diagnostics.
func (it Item) String() string {
	var b strings.Builder
	if it.key != "" {
		fmt.Fprintf(&b, "[%s] ", it.key)
	}
	switch it.kind {
	case KindScalar:
		b.WriteString(it.scalar)
	case KindFile:
		b.WriteString(it.file.Path)
	case KindTuple:
		b.WriteByte('(')
		for i, e := range it.tuple {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(e.WithKey("").String())
		}
		b.WriteByte(')')
	}
	return b.String()
}

// Shape is the static schema of the items a channel carries: the kind plus,
// for tuples, the arity. ArityAny marks tuples whose width varies per item
// (group outputs).
type Shape struct {
	Kind  Kind
	Arity int
}

// ArityAny marks a tuple shape of varying width.
const ArityAny = -1

// ShapeOf derives the shape of a concrete item.
func ShapeOf(it Item) Shape {
	if it.Kind() == KindTuple {
		return Shape{Kind: KindTuple, Arity: it.Len()}
	}
	return Shape{Kind: it.Kind(), Arity: 1}
}

// String renders the shape for diagnostics, e.g. "tuple(2)" or "file".
func (s Shape) String() string {
	if s.Kind == KindTuple {
		if s.Arity == ArityAny {
			return "tuple(*)"
		}
		return fmt.Sprintf("tuple(%d)", s.Arity)
	}
	return s.Kind.String()
}

// AcceptsArity reports whether a consumer expecting the given tuple arity can
// bind a channel of this shape. Non-tuple shapes accept arity 1 only.
func (s Shape) AcceptsArity(arity int) bool {
	if s.Kind != KindTuple {
		return arity == 1
	}
	return s.Arity == ArityAny || s.Arity == arity
}
