package helpers

// Ptr returns a pointer to a copy of v. Handy for building partial updates.
func Ptr[T any](v T) *T {
	return &v
}
