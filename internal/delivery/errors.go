package delivery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Class buckets a delivery failure into the retry semantics it deserves.
type Class int

const (
	ClassOK Class = iota
	// ClassTransient: network trouble or a 5xx; worth one delayed retry.
	ClassTransient
	// ClassQuota: provider rate limit or temporary lock; retry after a
	// longer fixed delay.
	ClassQuota
	// ClassFatal: revoked credentials, suspended account. The destination
	// is disabled and never retried.
	ClassFatal
	// ClassDuplicate: the provider already has this content. Treated as
	// success, no alert.
	ClassDuplicate
)

func (c Class) String() string {
	switch c {
	case ClassOK:
		return "ok"
	case ClassTransient:
		return "transient"
	case ClassQuota:
		return "quota"
	case ClassFatal:
		return "fatal"
	case ClassDuplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}

// Error is a classified delivery failure. Code carries the HTTP status or
// the provider's own error code when one was parsed from the response body.
type Error struct {
	Class Class
	Code  int
	Msg   string
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("delivery error (%s, code=%d)", e.Class, e.Code)
	}
	return fmt.Sprintf("%s (%s, code=%d)", e.Msg, e.Class, e.Code)
}

// Provider error codes with historical meanings on microblog backends:
// revoked or invalid credentials, suspended accounts, and over-capacity
// markers.
var providerClasses = map[int]Class{
	64:  ClassFatal, // account suspended
	89:  ClassFatal, // invalid or expired token
	185: ClassFatal, // over daily status limit, effectively locked
	326: ClassFatal, // account temporarily locked
	130: ClassTransient, // over capacity
	131: ClassTransient, // internal error
	187: ClassDuplicate,
}

// ClassifyStatus maps an HTTP response to a class. providerCode, when
// non-zero, is the error code parsed from the response body and takes
// precedence over the transport status.
func ClassifyStatus(status, providerCode int) Class {
	if providerCode != 0 {
		if c, ok := providerClasses[providerCode]; ok {
			return c
		}
	}
	switch {
	case status >= 200 && status < 300:
		return ClassOK
	case status == http.StatusTooManyRequests || status == 420:
		return ClassQuota
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ClassFatal
	case status >= 500:
		return ClassTransient
	default:
		return ClassTransient
	}
}

// Classify extracts the class from any error. Plain network errors are
// transient; context cancellation is transient too (the process is usually
// shutting down and the product will not be re-sent anyway).
func Classify(err error) Class {
	if err == nil {
		return ClassOK
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Class
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return ClassTransient
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}
	return ClassTransient
}

// Code returns the embedded response/provider code, 0 if none.
func Code(err error) int {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return 0
}
