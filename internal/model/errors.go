package model

import "errors"

// Error kinds mirror the taxonomy of spec.md §7: callers match on these
// with errors.Is rather than inspecting concrete types.
var (
	ErrAlreadyExists      = errors.New("already exists")
	ErrNotFound           = errors.New("not found")
	ErrBadRequest         = errors.New("bad request")
	ErrBadResponse        = errors.New("bad response")
	ErrUnsupported        = errors.New("unsupported")
	ErrInvalidValue       = errors.New("invalid value")
	ErrProtocolViolation  = errors.New("protocol violation")
	ErrConnection         = errors.New("connection failed")
	ErrBadState           = errors.New("bad state")
	ErrTimeout            = errors.New("timeout")
	ErrRejectedByPolicy   = errors.New("rejected by policy")
	ErrInternal           = errors.New("internal error")
	ErrBrokenChannel      = errors.New("broken channel")
)
