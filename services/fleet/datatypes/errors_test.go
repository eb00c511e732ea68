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
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestHTTPStatus_PerKind checks the status code each kind maps to.
func TestHTTPStatus_PerKind(t *testing.T) {
	cases := []struct {
		kind ErrorKind
		want int
	}{
		{KindModelNotFound, http.StatusNotFound},
		{KindModeMismatch, http.StatusBadRequest},
		{KindTierConflict, http.StatusBadRequest},
		{KindLastTierDeletion, http.StatusBadRequest},
		{KindPricingInvalid, http.StatusBadRequest},
		{KindOrphanProtected, http.StatusBadRequest},
		{KindNoUsableDevice, http.StatusServiceUnavailable},
		{KindInsufficientMemory, http.StatusServiceUnavailable},
		{KindStartTimeout, http.StatusServiceUnavailable},
		{KindBackendUnavailable, http.StatusServiceUnavailable},
		{KindBackendError, http.StatusInternalServerError},
		{KindInternal, http.StatusInternalServerError},
	}

	for _, tc := range cases {
		got := HTTPStatus(NewError(tc.kind, "x"))
		assert.Equal(t, tc.want, got, "kind %s", tc.kind)
	}
}

// TestHTTPStatus_PlainError maps unrecognized errors to 500.
func TestHTTPStatus_PlainError(t *testing.T) {
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(errors.New("boom")))
}

// TestKindOf_Wrapped verifies kind extraction through fmt wrapping.
func TestKindOf_Wrapped(t *testing.T) {
	inner := NewError(KindStartTimeout, "health probe expired")
	wrapped := fmt.Errorf("start failed: %w", inner)

	assert.Equal(t, KindStartTimeout, KindOf(wrapped))
	assert.Equal(t, "health probe expired", ClientMessage(wrapped))
}

// TestWrapError_Unwrap verifies the cause is reachable via errors.Is.
func TestWrapError_Unwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := WrapError(KindBackendError, cause, "forward to port %d failed", 9100)

	assert.True(t, errors.Is(err, cause))
	assert.Equal(t, KindBackendError, KindOf(err))
	assert.Contains(t, err.Error(), "connection refused")
}
