package protocol

import "errors"

var (
	ErrDecode                   = errors.New("protocol: malformed envelope")
	ErrEmptyDown                = errors.New("protocol: down envelope has no payload")
	ErrAmbiguousCommand         = errors.New("protocol: command sets more than one variant")
	ErrIncompatibleMajorVersion = errors.New("protocol: incompatible major version")
	ErrIncompatibleMinorVersion = errors.New("protocol: incompatible minor version")
)
