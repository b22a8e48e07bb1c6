// Copyright 2026 The Meshstats Authors
// SPDX-License-Identifier: Apache-2.0

package apierr

import (
	"encoding/json"
	"errors"
	"net/http/httptest"
	"testing"
)

func TestWriteErrorMarshalsAPIError(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, NotFound("no such node"))

	if rec.Code != 404 {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	var body APIError
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.Code != "not_found" || body.Detail != "no such node" {
		t.Fatalf("body = %+v", body)
	}
}

func TestWriteErrorMasksUnknownErrors(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, errors.New("some internal detail that must not leak"))

	if rec.Code != 500 {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	var body APIError
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.Detail == "some internal detail that must not leak" {
		t.Fatal("internal error detail leaked to the client")
	}
}

func TestIsMatchesByCode(t *testing.T) {
	err := BadRequest("bad node_id")
	if !Is(err, "bad_request") {
		t.Fatal("expected Is to match bad_request")
	}
	if Is(err, "not_found") {
		t.Fatal("Is should not match a different code")
	}
}
