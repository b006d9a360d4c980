// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package kernel

import "fmt"

const (
	InvalidSyscall Errno = 1 + iota
	InvalidHandle
	InvalidBuffer
	UnmappedAddress
	PermissionDenied
	ResourceExhausted
	NotFound
	LoadFailure
	AddressInUse
	ConnectionRefused
	Timeout
	OutOfRange
	IOFailure
)

// An Errno is the error half of a syscall result.
// The zero Errno means success.
type Errno uint8

func (e Errno) Error() string {
	if 0 < e && int(e) < len(enames) {
		return enames[e]
	}
	return fmt.Sprintf("Errno(%d)", int(e))
}

var enames = []string{
	"",
	"InvalidSyscall",
	"InvalidHandle",
	"InvalidBuffer",
	"UnmappedAddress",
	"PermissionDenied",
	"ResourceExhausted",
	"NotFound",
	"LoadFailure",
	"AddressInUse",
	"ConnectionRefused",
	"Timeout",
	"OutOfRange",
	"IOFailure",
}

// Err returns e as an error, or nil for success.
func (e Errno) Err() error {
	if e == 0 {
		return nil
	}
	return e
}
