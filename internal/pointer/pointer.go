// Package pointer provides helpers for optional wire fields.
package pointer

// Ref returns a pointer to the supplied value.
func Ref[T any](t T) *T {
	return &t
}

// Deref returns the pointed-to value, or the zero value for a nil pointer.
func Deref[T any](t *T) T {
	if t == nil {
		var zero T
		return zero
	}
	return *t
}
