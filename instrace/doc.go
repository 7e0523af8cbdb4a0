// Package instrace provides the public API of the instrace execution tracer
// core.
//
// A code-instrumenting host (a binary rewriter, an emulator, or the
// in-process simulated host used in tests) drives a [Tracer] through its
// callbacks. The tracer captures one record per executed monitored
// instruction into a per-thread buffer, flushes that buffer at every block
// entry, and writes allocator activity (malloc, calloc, realloc, free) as it
// happens. The result is a chronological per-thread trace on the
// configured sink.
//
// # Quick Start
//
//	cfg, err := instrace.LoadConfig("instrace.yaml")
//	if err != nil {
//		return err
//	}
//	tr, err := instrace.New(cfg)
//	if err != nil {
//		return err
//	}
//	defer tr.Close()
//
//	h, _ := tr.ThreadStart(tid)            // on every new thread
//	b, _ := tr.InstallBlock(tag, addrs)    // on every discovered block
//	b.Execute(h)                           // on every block execution
//	tr.ThreadExit(tid)                     // on thread exit
//
// # Trace Format
//
// The default text format writes one line per record, prefixed by the
// record kind and the capturing thread:
//
//	i <tid> 0x<addr>              executed instruction
//	a <tid> 0x<callsite> <size>   allocation requested
//	r <tid> 0x<ptr> <size>        allocation returned
//	f <tid> 0x<ptr>               block released
//
// The jsonl format writes the same fields as one JSON object per line.
// Diagnostics never go to the trace sink; they are logged through log/slog.
//
// # Guarantees
//
//   - Per thread, records reach the sink in capture order.
//   - No record is written twice. A record that never reaches the sink is
//     counted in [Stats].RecordsLost; with a healthy sink nothing is lost.
//   - Batches of different threads are never interleaved.
//   - The capture path takes no locks and makes no system calls.
//
// # Configuration
//
// See [Config]. Every setting has a default, may be set in YAML and may be
// overridden by an INSTRACE_* environment variable.
package instrace
