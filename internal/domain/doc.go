// Package domain defines the core notification delivery types and interfaces.
//
// Concept-oriented files (envelope.go, channel.go, bus.go, errors.go) hold the wire
// envelope, the bus channel naming convention and the bus contract. No transport code.
package domain
