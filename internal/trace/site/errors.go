// Copyright 2025 The instrace Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package site

import "fmt"

// InstallError reports a block that cannot be installed.
//
// Fields:
//   - Tag: Block being installed
//   - Sites: Number of capture sites the block would need
//   - Message: Human-readable error description
//   - Suggestion: Optional hint for fixing the error
//
// Example:
//
//	err := &InstallError{
//	    Tag:        0x401000,
//	    Sites:      9000,
//	    Message:    "block needs 9000 records, buffer holds 8192",
//	    Suggestion: "Raise buffer.capacity or narrow the instruction filter",
//	}
//	fmt.Println(err) // Output: block 0x401000: block needs 9000 records, buffer holds 8192
//
// Thread Safety: Immutable after creation, safe for concurrent use.
type InstallError struct {
	Tag        Tag    // Block tag
	Sites      int    // Sites requested
	Message    string // Error message
	Suggestion string // Optional suggestion for fixing (empty if none)
}

// Error implements the error interface.
//
// Format: block <tag>: message
//
// If Suggestion is non-empty, it's appended on a new line with "Suggestion: " prefix.
func (e *InstallError) Error() string {
	result := fmt.Sprintf("block %#x: %s", uint64(e.Tag), e.Message)
	if e.Suggestion != "" {
		result += fmt.Sprintf("\n\nSuggestion: %s", e.Suggestion)
	}
	return result
}

// newCapacityError returns the error for a block longer than the buffer.
func newCapacityError(tag Tag, sites, capacity int) *InstallError {
	return &InstallError{
		Tag:        tag,
		Sites:      sites,
		Message:    fmt.Sprintf("block needs %d records between flush points, buffer holds %d", sites, capacity),
		Suggestion: "Raise buffer.capacity or narrow the instruction filter",
	}
}
