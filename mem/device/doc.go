// Package device simulates an accelerator for the buffer storage layer.
//
// A [Sim] provides the three things storage needs from a device runtime:
// a coarse memory primitive (Acquire/Release, usable as an alloc.Source),
// blocking and asynchronous copies between host and device memory, and an
// in-order [Stream] that runs asynchronous copies and host callbacks on a
// runtime-owned goroutine.
//
// Completion is observed through callbacks invoked on the stream goroutine,
// or through an [Event] recorded on the stream.
package device
