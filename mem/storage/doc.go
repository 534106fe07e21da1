// Package storage implements the backing store of one logical buffer that
// lives in host memory, device memory, or both.
//
// # Residency
//
// A [Storage] records which space holds the authoritative copy:
//
//	Unallocated -> Host      first host access or AllocateHost
//	Host        -> Device    CopyToDevice, Preload completion, OverrideDevice
//	Device      -> Host      CopyToHost, FreeDevice, OverrideHost
//
// Residency never names a space whose memory is not allocated, and device
// memory never exists without a host mirror.
//
// # Transfers
//
// Offload and Preload start asynchronous copies on the device stream; at
// most one of each is outstanding per buffer and repeated requests are
// no-ops. Completion runs on the stream goroutine under the buffer's mutex.
// Frees requested while an offload is in flight are deferred to its
// completion, and a Preload issued before that completion cancels a
// deferred device free.
//
// # Errors
//
// Allocation and copy failures are returned as errors wrapping the
// allocator or device sentinels. Caller bugs panic with a
// [*ContractViolation].
//
// # Thread Safety
//
// Every method is safe for concurrent use, but the residency protocol
// assumes one control goroutine per buffer.
package storage
