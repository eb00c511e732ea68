// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"errors"
	"fmt"
	"net/http"
)

// =============================================================================
// Error Kinds
// =============================================================================

// ErrorKind categorizes fleet errors for HTTP mapping and metrics.
type ErrorKind string

const (
	// KindModelNotFound: the alias resolves to no catalogued model.
	KindModelNotFound ErrorKind = "model_not_found"

	// KindModeMismatch: the request path is incompatible with the
	// resolved model's mode.
	KindModeMismatch ErrorKind = "mode_mismatch"

	// KindNoUsableDevice: no launch variant's required devices are
	// currently online.
	KindNoUsableDevice ErrorKind = "no_usable_device"

	// KindInsufficientMemory: admission failed even after evicting
	// idle models.
	KindInsufficientMemory ErrorKind = "insufficient_memory"

	// KindStartTimeout: the health probe did not pass in the window.
	KindStartTimeout ErrorKind = "start_timeout"

	// KindBackendUnavailable: the model is failed; the message carries
	// the recorded reason.
	KindBackendUnavailable ErrorKind = "backend_unavailable"

	// KindBackendError: forwarding failed for this request only; the
	// model is not transitioned to failed.
	KindBackendError ErrorKind = "backend_error"

	// KindTierConflict, KindLastTierDeletion, KindPricingInvalid:
	// billing configuration errors.
	KindTierConflict     ErrorKind = "tier_conflict"
	KindLastTierDeletion ErrorKind = "last_tier_deletion"
	KindPricingInvalid   ErrorKind = "pricing_invalid"

	// KindOrphanProtected: attempt to drop data for a model still in
	// the catalogue.
	KindOrphanProtected ErrorKind = "orphan_protected"

	// KindInvalidRequest: malformed parameters or body.
	KindInvalidRequest ErrorKind = "invalid_request"

	// KindInternal: anything else.
	KindInternal ErrorKind = "internal"
)

// FleetError is a typed error carrying a kind and a client message.
type FleetError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

// Error implements the error interface.
func (e *FleetError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the wrapped cause, if any.
func (e *FleetError) Unwrap() error {
	return e.Err
}

// NewError creates a FleetError with a formatted message.
func NewError(kind ErrorKind, format string, args ...any) *FleetError {
	return &FleetError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError creates a FleetError around a cause.
func WrapError(kind ErrorKind, err error, format string, args ...any) *FleetError {
	return &FleetError{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the ErrorKind from an error chain.
//
// Unrecognized errors report KindInternal; nil reports "".
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var fe *FleetError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindInternal
}

// HTTPStatus maps an error to the HTTP status code of its kind.
//
// Validation errors map to 400, lookup failures to 404, capacity and
// availability failures to 503, everything else to 500.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindModelNotFound:
		return http.StatusNotFound
	case KindModeMismatch, KindTierConflict, KindLastTierDeletion,
		KindPricingInvalid, KindOrphanProtected, KindInvalidRequest:
		return http.StatusBadRequest
	case KindNoUsableDevice, KindInsufficientMemory, KindStartTimeout,
		KindBackendUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// ClientMessage returns the message suitable for a client response.
func ClientMessage(err error) string {
	var fe *FleetError
	if errors.As(err, &fe) {
		return fe.Message
	}
	return "internal error"
}
