// Package errors provides standardized error handling patterns for FaceBridge.
//
// # Overview
//
// The errors package implements a three-class error classification system:
// Transient (temporary, retryable), Invalid (bad input, non-retryable), and
// Fatal (unrecoverable, stop processing).
//
// The classification drives the bridge's propagation policy: Invalid errors
// become failure response envelopes on the wire, Transient errors are left to
// the poll loop's universal retry, and Fatal errors abort startup.
//
// The system integrates with Go's standard error handling, supporting
// errors.Is(), errors.As(), and error wrapping chains.
//
// # Quick Start
//
// Use standard error variables for known protocol conditions:
//
//	if req.ID == "" {
//	    return errors.ErrMissingIdentity
//	}
//
// Wrap errors with context for debugging:
//
//	if err := faces.Insert(ctx, rec); err != nil {
//	    return errors.WrapTransient(err, "Dispatcher", "handleEnrollment", "insert face record")
//	}
//
// Check classification for retry logic:
//
//	if errors.IsTransient(err) {
//	    // leave the record unsynced; the next poll cycle retries it
//	}
package errors
