// Package diskimage tracks a raw disk image through its lifecycle states.
package diskimage

import (
	"fmt"
	"slices"
)

// State is a lifecycle state of a DiskImage.
type State string

const (
	Assembled State = "assembled"
	Reclaimed State = "reclaimed"
	Published State = "published"
)

// DiskImage is a raw block-device image file of one variant.
type DiskImage struct {
	Path    string
	Variant string
	State   State
	// SizeBytes is the size the image was grown to.
	SizeBytes int64
}

// StateError reports an image handed to a stage out of order.
type StateError struct {
	Stage string
	Got   State
	Want  []State
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s: image is %q, want one of %v", e.Stage, e.Got, e.Want)
}

// Require fails unless img is in one of the given states.
func (img DiskImage) Require(stage string, states ...State) error {
	if slices.Contains(states, img.State) {
		return nil
	}
	return &StateError{Stage: stage, Got: img.State, Want: states}
}

// With returns a copy of img in state s.
func (img DiskImage) With(s State) DiskImage {
	img.State = s
	return img
}
