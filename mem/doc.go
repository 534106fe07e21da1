// Package mem wires the host, pinned host and device allocators, the
// simulated device and its copy engine into a [Manager] that buffers are
// created from.
//
// A Manager replaces process-wide allocator singletons: every buffer created
// through it shares its allocators, and tests build as many isolated
// managers as they like.
//
// # Usage Example
//
//	m, err := mem.New(mem.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	defer m.Close()
//
//	buf := m.NewStorage(storage.Offloadable, 16<<20, "activations")
//	data, err := buf.Data()
//	...
//	if err := buf.CopyToDevice(); err != nil {
//	    return err
//	}
//	_ = buf.Offload(false)
//
// # Configuration
//
// [Config] is loaded from YAML with [LoadConfig]; zero fields take the
// allocator defaults.
package mem
