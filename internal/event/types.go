package event

// Event is implemented by payloads that carry a type name used for
// metrics labels and type-filtered subscriptions.
type Event interface {
	Type() string
}
