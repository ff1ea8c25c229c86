package cache

// ChangeEvent is the payload published on cache.<kind>.<key> whenever an
// update* call succeeds. Previous is the zero value's pointer (nil) the
// first time a key is written.
type ChangeEvent[T any] struct {
	Key      string
	Previous *T
	Current  T
}
