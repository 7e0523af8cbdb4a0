package site

import (
	"log/slog"
	"slices"
	"sync"

	"github.com/kolkov/instrace/internal/trace/flush"
	"github.com/kolkov/instrace/internal/trace/record"
	"github.com/kolkov/instrace/internal/trace/stats"
)

// Installer turns host blocks into installed Blocks.
//
// Installation is idempotent: installing a tag again with the same
// addresses returns the existing Block; installing it with different
// addresses (re-translation) replaces it. Within one block, an address
// listed twice gets one site.
//
// Thread Safety: Safe for concurrent use. Installation takes a mutex; the
// installed Blocks are immutable and used without locks.
type Installer struct {
	threads  Resolver
	flusher  *flush.Flusher
	filter   Filter
	capacity int
	stats    *stats.Counters
	logger   *slog.Logger

	mu     sync.Mutex
	blocks map[Tag]*Block
}

// NewInstaller returns an installer whose blocks resolve threads through
// threads and flush through flusher. capacity is the per-thread buffer
// capacity; blocks needing more sites are rejected.
func NewInstaller(threads Resolver, flusher *flush.Flusher, filter Filter, capacity int, st *stats.Counters, logger *slog.Logger) *Installer {
	if st == nil {
		st = &stats.Counters{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Installer{
		threads:  threads,
		flusher:  flusher,
		filter:   filter,
		capacity: capacity,
		stats:    st,
		logger:   logger,
		blocks:   make(map[Tag]*Block),
	}
}

// InstallBlock installs the capture sites for the block tag whose
// instructions are at addrs, in program order.
//
// Flow:
//  1. Drop addresses the filter rejects and duplicate addresses
//  2. Reject the block if it cannot fit between two flush points
//  3. Return the installed block if it already has exactly these sites
//  4. Otherwise build the block and install it under tag
//
// Returns *InstallError if the block is longer than the buffer capacity.
func (i *Installer) InstallBlock(tag Tag, addrs []uint64) (*Block, error) {
	kept := make([]uint64, 0, len(addrs))
	seen := make(map[uint64]struct{}, len(addrs))
	for _, a := range addrs {
		if !i.filter.Match(a) {
			continue
		}
		if _, dup := seen[a]; dup {
			continue
		}
		seen[a] = struct{}{}
		kept = append(kept, a)
	}

	if len(kept) > i.capacity {
		err := newCapacityError(tag, len(kept), i.capacity)
		i.logger.Error("block rejected", "block", tag, "sites", len(kept), "capacity", i.capacity)
		return nil, err
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	old, exists := i.blocks[tag]
	if exists && slices.Equal(old.Addrs(), kept) {
		i.stats.BlocksReinstalled.Add(1)
		return old, nil
	}

	b := &Block{
		tag:     tag,
		sites:   make([]*Site, len(kept)),
		threads: i.threads,
		flusher: i.flusher,
		stats:   i.stats,
		logger:  i.logger,
	}
	for j, a := range kept {
		b.sites[j] = &Site{rec: record.NewInstruction(a), threads: i.threads}
	}
	i.blocks[tag] = b

	if exists {
		i.stats.BlocksReinstalled.Add(1)
		i.logger.Debug("block replaced", "block", tag, "sites", len(kept), "previous", old.Len())
	} else {
		i.stats.BlocksInstalled.Add(1)
	}
	return b, nil
}

// Block returns the installed block for tag.
func (i *Installer) Block(tag Tag) (*Block, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	b, ok := i.blocks[tag]
	return b, ok
}

// Remove forgets the block for tag, as when the host flushes it from its
// code cache. It reports whether the tag was installed.
func (i *Installer) Remove(tag Tag) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	_, ok := i.blocks[tag]
	delete(i.blocks, tag)
	return ok
}

// Len returns the number of installed blocks.
func (i *Installer) Len() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.blocks)
}
