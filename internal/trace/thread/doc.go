// Package thread manages the per-thread capture state.
//
// When the host reports a new thread, the Manager reserves a thread-local
// slot, allocates the thread's capture buffer in raw memory and publishes a
// Context in the slot. From then on the capture stubs resolve the buffer
// through the slot handle alone. When the thread ends, the Manager runs the
// final flush, clears the slot and releases the memory.
//
// There is no degraded mode: if any resource for a thread cannot be
// obtained, Start fails with *FatalInitError and the thread is not
// monitored at all.
//
// Lifecycle:
//
//	Start(id)  -> slot reserved, buffer allocated, Context published
//	  ... capture / flush on the owning thread ...
//	Exit(id)   -> final flush, slot cleared and freed, buffer released
//
// Shutdown runs Exit for every live thread. It must only be called once the
// monitored threads are quiesced, since it flushes buffers it does not own.
package thread
