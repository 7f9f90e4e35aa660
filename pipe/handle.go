// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package pipe

import (
	"errors"
)

var ErrMoved = errors.New("pipe handle was moved")

// Handle is the single owner of a Pipe. Ownership is transferred with Move,
// which leaves the source handle empty; any later use of the source reports
// ErrMoved instead of touching a pipe it no longer owns.
type Handle struct {
	p *Pipe
}

func Own(p *Pipe) *Handle {
	return &Handle{p: p}
}

// Move transfers ownership to a new handle.
func (h *Handle) Move() *Handle {
	if h == nil {
		return &Handle{}
	}
	p := h.p
	h.p = nil
	return &Handle{p: p}
}

func (h *Handle) Valid() bool {
	return h != nil && h.p != nil
}

func (h *Handle) Pipe() (*Pipe, error) {
	if !h.Valid() {
		return nil, ErrMoved
	}
	return h.p, nil
}

// Release closes the owned pipe and empties the handle. Releasing an empty
// handle is a no-op.
func (h *Handle) Release() error {
	if !h.Valid() {
		return nil
	}
	p := h.p
	h.p = nil
	return p.Close()
}
