package protocol

import "errors"

var (
	ErrMissingType    = errors.New("protocol: missing type")
	ErrUnknownType    = errors.New("protocol: unknown type")
	ErrMissingAddress = errors.New("protocol: missing address")
	ErrMalformed      = errors.New("protocol: malformed envelope")
	ErrInvalidBody    = errors.New("protocol: body is not valid json")
)
