// Copyright 2021 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package linuxerr contains syscall error codes exported as an error interface
// pointers. This allows for fast comparison and return operations comperable
// to unix.Errno constants.
package linuxerr

import (
	"errors"

	"golang.org/x/sys/unix"
	gerrors "gvisor.dev/odp/pkg/errors"
)

// The following errors are semantically identical to Errno of type unix.Errno
// or sycall.Errno. However, since the type are distinct ( these are
// *errors.Error), they are not directly comperable. However, the Errno method
// returns an Errno number such that the error can be compared to unix/syscall.Errno
// (e.g. EPERM.Errno() == unix.EPERM is true). Converting unix/syscall.Errno
// to the errors should be done via the lookup methods provided.
var (
	noError    *gerrors.Error = nil
	EPERM                     = gerrors.New(unix.EPERM, "operation not permitted")
	ENOENT                    = gerrors.New(unix.ENOENT, "no such file or directory")
	ESRCH                     = gerrors.New(unix.ESRCH, "no such process")
	EINTR                     = gerrors.New(unix.EINTR, "interrupted system call")
	EIO                       = gerrors.New(unix.EIO, "I/O error")
	EAGAIN                    = gerrors.New(unix.EAGAIN, "try again")
	ENOMEM                    = gerrors.New(unix.ENOMEM, "out of memory")
	EACCES                    = gerrors.New(unix.EACCES, "permission denied")
	EFAULT                    = gerrors.New(unix.EFAULT, "bad address")
	EBUSY                     = gerrors.New(unix.EBUSY, "device or resource busy")
	EEXIST                    = gerrors.New(unix.EEXIST, "file exists")
	ENODEV                    = gerrors.New(unix.ENODEV, "no such device")
	EINVAL                    = gerrors.New(unix.EINVAL, "invalid argument")
	ERANGE                    = gerrors.New(unix.ERANGE, "math result not representable")
	EOVERFLOW                 = gerrors.New(unix.EOVERFLOW, "value too large for defined data type")
	EOPNOTSUPP                = gerrors.New(unix.EOPNOTSUPP, "operation not supported on transport endpoint")
	ETIMEDOUT                 = gerrors.New(unix.ETIMEDOUT, "connection timed out")
)

var errorMap = map[unix.Errno]*gerrors.Error{
	unix.EPERM:      EPERM,
	unix.ENOENT:     ENOENT,
	unix.ESRCH:      ESRCH,
	unix.EINTR:      EINTR,
	unix.EIO:        EIO,
	unix.EAGAIN:     EAGAIN,
	unix.ENOMEM:     ENOMEM,
	unix.EACCES:     EACCES,
	unix.EFAULT:     EFAULT,
	unix.EBUSY:      EBUSY,
	unix.EEXIST:     EEXIST,
	unix.ENODEV:     ENODEV,
	unix.EINVAL:     EINVAL,
	unix.ERANGE:     ERANGE,
	unix.EOVERFLOW:  EOVERFLOW,
	unix.EOPNOTSUPP: EOPNOTSUPP,
	unix.ETIMEDOUT:  ETIMEDOUT,
}

// ErrorFromUnix returns a linuxerr from a unix.Errno. Errnos without a
// registered error are returned unchanged.
func ErrorFromUnix(err unix.Errno) error {
	if err == unix.Errno(0) {
		return nil
	}
	if e, ok := errorMap[err]; ok {
		return e
	}
	return err
}

// ToError converts a linuxerr to an error type.
func ToError(err *gerrors.Error) error {
	if err == noError {
		return nil
	}
	return err
}

// ToUnix converts an error to a unix.Errno. Errors that do not carry an errno,
// possibly after unwrapping, convert to EIO.
func ToUnix(err error) unix.Errno {
	if err == nil {
		return 0
	}
	var e *gerrors.Error
	if errors.As(err, &e) {
		return e.Errno()
	}
	var errno unix.Errno
	if errors.As(err, &errno) {
		return errno
	}
	return unix.EIO
}

// Equals compars a linuxerr to a given error.
func Equals(e *gerrors.Error, err error) bool {
	var unixErr unix.Errno
	if e != noError {
		unixErr = e.Errno()
	}
	if err == nil {
		err = noError
	}
	return e == err || unixErr == err
}
