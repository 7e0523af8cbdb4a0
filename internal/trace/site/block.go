package site

import (
	"log/slog"

	"github.com/kolkov/instrace/internal/trace/flush"
	"github.com/kolkov/instrace/internal/trace/stats"
	"github.com/kolkov/instrace/internal/trace/tls"
)

// Tag identifies a host block, typically its start address.
type Tag uint64

// Block is the installed form of one host block: a flush trigger followed
// by the block's capture sites in program order. A Block is immutable once
// installed; re-installation replaces it with a new one.
type Block struct {
	tag     Tag
	sites   []*Site
	threads Resolver
	flusher *flush.Flusher
	stats   *stats.Counters
	logger  *slog.Logger
}

// Tag returns the block tag.
func (b *Block) Tag() Tag {
	return b.tag
}

// Len returns the number of capture sites.
func (b *Block) Len() int {
	return len(b.sites)
}

// Site returns the i-th capture site.
func (b *Block) Site(i int) *Site {
	return b.sites[i]
}

// Addrs returns the captured addresses in program order.
func (b *Block) Addrs() []uint64 {
	out := make([]uint64, len(b.sites))
	for i, s := range b.sites {
		out[i] = s.Addr()
	}
	return out
}

// Enter is the flush trigger run once on block entry, before any site of
// the block captures. It drains the thread's buffer into the sink.
//
// Panics with ErrNoThreadContext if slot h is empty.
func (b *Block) Enter(h tls.Handle) error {
	ctx := b.threads.Get(h)
	if ctx == nil {
		panic(ErrNoThreadContext)
	}
	return b.flusher.Flush(ctx.Buffer)
}

// Execute runs the whole block on thread h: the entry flush, then every
// site in order. Simulated hosts use it in place of injected code.
//
// If the entry flush failed and kept records (retain policy) so that the
// block no longer fits, the block's records are not captured; they are
// counted as lost and the flush error is returned. The buffer never
// overflows because of a failing sink.
func (b *Block) Execute(h tls.Handle) error {
	err := b.Enter(h)
	if err != nil {
		ctx := b.threads.Get(h)
		if ctx.Buffer.Remaining() < len(b.sites) {
			b.stats.RecordsLost.Add(uint64(len(b.sites)))
			b.logger.Warn("buffer full after failed flush, block not captured",
				"thread", ctx.ID, "block", b.tag, "records", len(b.sites))
			return err
		}
	}
	for _, s := range b.sites {
		s.Capture(h)
	}
	return err
}
