// Package famerr defines the error taxonomy shared by the CIS, memory
// server, and metadata server RPC boundaries. Internal errors are
// translated to one of these Kinds before they cross a wire response;
// callers distinguish them with errors.As, not string matching.
package famerr

import (
	"errors"
	"fmt"
)

// Kind enumerates the error categories an RPC response can carry in its
// error_code field. The zero Kind is reserved for success and is never
// wrapped in an Error.
type Kind int

const (
	_ Kind = iota
	AlreadyExists
	NotFound
	NoPermission
	OutOfRange
	NoSpace
	NullPointer
	Unimplemented
	AtlQueueFull
	AtlQueueInsert
	AtlNotEnabled
	Fabric
	NotPowerOfTwo
	Metadata
	NameTooLong
	Memory
	Resource
)

var kindNames = map[Kind]string{
	AlreadyExists:  "AlreadyExists",
	NotFound:       "NotFound",
	NoPermission:   "NoPermission",
	OutOfRange:     "OutOfRange",
	NoSpace:        "NoSpace",
	NullPointer:    "NullPointer",
	Unimplemented:  "Unimplemented",
	AtlQueueFull:   "AtlQueueFull",
	AtlQueueInsert: "AtlQueueInsert",
	AtlNotEnabled:  "AtlNotEnabled",
	Fabric:         "Fabric",
	NotPowerOfTwo:  "NotPowerOfTwo",
	Metadata:       "Metadata",
	NameTooLong:    "NameTooLong",
	Memory:         "Memory",
	Resource:       "Resource",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Error is the single error type crossing every service boundary. It
// carries a Kind for RPC error_code translation and an optional wrapped
// cause for logging.
type Error struct {
	Kind Kind
	Op   string // operation that failed, e.g. "create_region"
	Msg  string
	Err  error // wrapped cause, nil for leaf errors
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %s: %v", e.Op, e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New builds a leaf Error.
func New(op string, k Kind, msg string) *Error {
	return &Error{Op: op, Kind: k, Msg: msg}
}

// Wrap builds an Error that carries cause as its Unwrap target.
func Wrap(op string, k Kind, msg string, cause error) *Error {
	return &Error{Op: op, Kind: k, Msg: msg, Err: cause}
}

// KindOf extracts the Kind from err if it (or something it wraps) is a
// *Error. Errors that never crossed an RPC boundary report Resource,
// the catch-all kind, so every RPC response always carries a non-zero
// error_code on failure.
func KindOf(err error) Kind {
	if err == nil {
		return 0
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Resource
}
