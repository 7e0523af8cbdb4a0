package instrace

import (
	"github.com/kolkov/instrace/internal/trace/buffer"
	"github.com/kolkov/instrace/internal/trace/record"
)

// Version information for instrace.
const (
	// Version is the current version of the tracer core.
	Version = "0.1.0"

	// VersionMajor is the major version number.
	VersionMajor = 0

	// VersionMinor is the minor version number.
	VersionMinor = 1

	// VersionPatch is the patch version number.
	VersionPatch = 0
)

// Info provides build information about the tracer core.
type Info struct {
	// Version is the runtime version string.
	Version string

	// ConfigSchema is the configuration schema version this build reads.
	ConfigSchema string

	// BufferCapacity is the default per-thread buffer capacity in records.
	BufferCapacity int

	// RecordSize is the in-buffer size of one record in bytes.
	RecordSize int
}

// GetInfo returns information about the tracer core.
//
// Example:
//
//	info := instrace.GetInfo()
//	fmt.Printf("instrace %s (%d records/thread)\n", info.Version, info.BufferCapacity)
func GetInfo() Info {
	return Info{
		Version:        Version,
		ConfigSchema:   SchemaVersion,
		BufferCapacity: buffer.DefaultCapacity,
		RecordSize:     record.Bytes,
	}
}
