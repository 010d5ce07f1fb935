package messages

// Text carries a string.
type Text struct {
	Value string
}

// Number carries an integer.
type Number struct {
	Value uint64
}
