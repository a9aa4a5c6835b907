// Package errors provides standardized error handling patterns for Node-Blue.
//
// # Overview
//
// The errors package implements a four-class error classification system for
// the dataflow runtime: Transient (temporary, retryable), Invalid (bad input
// or configuration, non-retryable), Protocol (well-formed failure response,
// connection still good), and Fatal (unrecoverable, fails the owning node).
//
// This classification lets transport-facing nodes make uniform decisions
// about retries, lazy reconnect, and failure propagation without hardcoded
// error string matching.
//
// # Error Classification
//
//   - Transient: connect failures, in-flight transport failures, saturated
//     ports (retry or reconnect lazily)
//   - Invalid: validation failures, unsupported payloads (do not retry)
//   - Protocol: exception responses from the polling protocol (drop message,
//     keep connection)
//   - Fatal: retry exhaustion, bind failures (node transitions to Failed)
//
// The classification integrates with Go's standard error handling patterns,
// supporting errors.Is(), errors.As(), and error wrapping chains.
//
// # Quick Start
//
// Return standard error variables for known conditions:
//
//	if msg.Payload == nil {
//	    return errors.ErrNilPayload
//	}
//
// Wrap third-party errors with node context:
//
//	if err := handler.Connect(); err != nil {
//	    return errors.WrapTransient(err, "tcp-sender", "Start", "dial")
//	}
//
// Check classification when handling:
//
//	if errors.IsFatal(err) {
//	    n.fail(err)
//	}
package errors
