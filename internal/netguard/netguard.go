// Package netguard provides the default network guard implementation.
//
// The reconnect/redial strategy itself is an external collaborator; this
// package only supplies the passthrough guard used when no redial machinery
// is configured.
package netguard

// Passthrough executes calls directly and always reports the network as up.
type Passthrough struct{}

// NewPassthrough returns a guard that performs no connectivity handling.
func NewPassthrough() *Passthrough {
	return &Passthrough{}
}

// Execute runs fn without any reconnect handling.
func (*Passthrough) Execute(_ string, fn func() error) error {
	return fn()
}

// IsAvailable always reports true.
func (*Passthrough) IsAvailable() bool {
	return true
}
