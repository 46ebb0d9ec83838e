// Package petalbus provides a reference-counted publish/subscribe event bus
// layered on top of a pluggable delivery channel.
//
// A Bus offers On, Once, Off, OffAll, Emit and Clear. Its Registry maps every
// (event name, callback) pair to exactly one channel subscription, so
// registering the same callback twice is harmless, and it tracks the wrapper
// that Once attaches on the caller's behalf so the caller can cancel a
// pending once registration with the callback it originally passed.
//
// Callbacks are identified by token, not by function value:
//
//	b := petalbus.New(petalbus.Config[petalbus.Payload]{})
//
//	onLogin := petalbus.Func(func(p petalbus.Payload) {
//		fmt.Println("login:", p["user"])
//	})
//	b.On("login", onLogin)
//	b.Emit("login", petalbus.Payload{"user": "a"})
//	b.Off("login", onLogin)
//
// There is no package-level default bus. Construct one with New and pass it
// to whatever needs it.
package petalbus

import "maps"

// Payload is a JSON-serialisable payload for buses that carry loosely
// shaped data, such as the HTTP server and the journal.
type Payload map[string]any

// Clone returns a shallow copy of the payload.
func (p Payload) Clone() Payload {
	return maps.Clone(p)
}
