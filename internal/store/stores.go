package store

// Stores is the top-level container for the storage backends.
type Stores struct {
	Sessions SessionStore
}
