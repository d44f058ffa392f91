// Package dispatch runs one Task through its type's handler and records the
// outcome. Handlers see the world through a Runtime bound to their Task.
package dispatch
