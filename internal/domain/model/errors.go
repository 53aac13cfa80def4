package model

import "errors"

// Protocol-level sentinels. Handlers map these onto SERVER_ERROR frames
// and the violation window; none of them leaks internal detail.
var (
	ErrFrameTooLarge  = errors.New("frame exceeds size limit")
	ErrMalformedFrame = errors.New("malformed frame")
	ErrUnknownType    = errors.New("unknown packet type")
)
