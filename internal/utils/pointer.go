package utils

// Ptr returns a pointer to v, for optional request fields set from literals.
func Ptr[T any](v T) *T {
	return &v
}

// Coalesce returns the first value that is not the zero value of T, or the
// zero value when every candidate is empty.
func Coalesce[T comparable](values ...T) T {
	var zero T
	for _, v := range values {
		if v != zero {
			return v
		}
	}
	return zero
}
