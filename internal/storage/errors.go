package storage

import "errors"

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrNotEligible is returned when a guarded state transition finds the
// row in a state that no longer permits it (e.g. approving an item that
// was already rejected, or claiming an item that already escalated).
var ErrNotEligible = errors.New("storage: not eligible for transition")
