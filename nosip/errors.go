// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2025, shrhoads

package nosip

import "fmt"

// ErrorCode is the numeric request failure class reported to clients in the
// error_code field of error events.
type ErrorCode int

const (
	ErrorUnknown        ErrorCode = 499
	ErrorNoMessage      ErrorCode = 440
	ErrorInvalidJSON    ErrorCode = 441
	ErrorInvalidRequest ErrorCode = 442
	ErrorMissingElement ErrorCode = 443
	ErrorInvalidElement ErrorCode = 444
	ErrorWrongState     ErrorCode = 445
	ErrorMissingSDP     ErrorCode = 446
	ErrorInvalidSDP     ErrorCode = 447
	ErrorIO             ErrorCode = 448
	ErrorRecording      ErrorCode = 449
	ErrorTooStrict      ErrorCode = 450
)

// RequestError is a failed client request: the dispatcher turns it into an
// error event keeping the code and reason verbatim.
type RequestError struct {
	Code   ErrorCode
	Reason string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("%s (%d)", e.Reason, e.Code)
}

func requestErrorf(code ErrorCode, format string, args ...any) *RequestError {
	return &RequestError{Code: code, Reason: fmt.Sprintf(format, args...)}
}
