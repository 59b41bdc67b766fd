// Package eventflow provides a flow-controlled event bus for systems
// whose event production outpaces what their listeners can absorb.
//
// Every emission traverses a fixed pipeline of admission stages:
//
//	emit -> history -> backpressure -> rate limit -> coalesce -> batch -> dispatch
//
// Each stage either passes the event along or takes ownership of it,
// deferring, merging, or grouping it for later delivery. Stages are
// configured per event type and can be toggled globally at runtime.
//
// Basic usage:
//
//	bus, err := eventflow.New(config.Default())
//	if err != nil {
//		return err
//	}
//	defer bus.Close()
//
//	bus.On("save-requested", func(args ...any) {
//		// handle the merged representative event
//	})
//	bus.Emit("save-requested", "/tmp/doc.txt")
//
// Timer-driven behavior (rate-limit replay, debounce windows, batch
// windows, backpressure drain) runs against an injectable clock, so
// tests can drive the whole pipeline deterministically with
// clock.NewFake.
package eventflow
