package stitcher

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a source directory or file does not exist.
	ErrNotFound = errors.New("not found")
	// ErrEmptyCollection is returned by Scan when a directory contains no raster tiles.
	ErrEmptyCollection = errors.New("no raster tiles found")
	// ErrEmptyInput is returned by Merge when given no tiles to work on.
	ErrEmptyInput = errors.New("no input tiles")
	// ErrRetryExhausted is returned once an upload has failed on every allowed attempt.
	ErrRetryExhausted = errors.New("retries exhausted")
)

// ReprojectionError wraps a failure to warp a single tile into the target CRS.
type ReprojectionError struct {
	Path      string
	TargetCRS string
	Err       error
}

func (e *ReprojectionError) Error() string {
	return fmt.Sprintf("reproject %s to %s: %v", e.Path, e.TargetCRS, e.Err)
}

func (e *ReprojectionError) Unwrap() error {
	return e.Err
}
