// Package serverrun wires configuration, the store runtime, the registration
// pipeline and both network servers into one process and runs them until the
// context ends or a signal arrives.
package serverrun
