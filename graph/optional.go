package graph

// Optional holds either no value or a value of type T.
//
// It distinguishes "unset" from the zero value, which a plain T (or a nil
// interface) cannot do: a port default of 0 and a port without a default are
// different things.
type Optional[T any] struct {
	value T
	set   bool
}

// Some returns an Optional holding v.
func Some[T any](v T) Optional[T] {
	return Optional[T]{value: v, set: true}
}

// None returns an unset Optional.
func None[T any]() Optional[T] {
	return Optional[T]{}
}

// Get returns the value and whether it is set.
func (o Optional[T]) Get() (T, bool) {
	return o.value, o.set
}

// IsSet reports whether the Optional holds a value.
func (o Optional[T]) IsSet() bool {
	return o.set
}

// OrElse returns the value, or def when unset.
func (o Optional[T]) OrElse(def T) T {
	if o.set {
		return o.value
	}
	return def
}
