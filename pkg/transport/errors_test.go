package transport

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sandkasten-dev/sandkasten/pkg/api"
)

func TestHTTPStatusFromError(t *testing.T) {
	tests := []struct {
		kind api.ErrorKind
		want int
	}{
		{api.ErrorKindValidation, http.StatusBadRequest},
		{api.ErrorKindAuth, http.StatusUnauthorized},
		{api.ErrorKindUnknownSandboxType, http.StatusNotFound},
		{api.ErrorKindToolNotFound, http.StatusNotFound},
		{api.ErrorKindReleased, http.StatusGone},
		{api.ErrorKindTimeout, http.StatusGatewayTimeout},
		{api.ErrorKindProvision, http.StatusBadGateway},
		{api.ErrorKindToolExecution, http.StatusBadGateway},
		{api.ErrorKindServer, http.StatusInternalServerError},
		{api.ErrorKindDuplicateRegistration, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		got := HTTPStatusFromError(&api.Error{Kind: tt.kind, Message: "x"})
		if got != tt.want {
			t.Errorf("HTTPStatusFromError(%s) = %d, want %d", tt.kind, got, tt.want)
		}
	}
}

func TestWriteErrorEnvelope(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, api.NewReleasedError("sb-9"))

	if rec.Code != http.StatusGone {
		t.Fatalf("status = %d, want 410", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}

	var er api.ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &er); err != nil {
		t.Fatal(err)
	}
	if er.Error.Kind != api.ErrorKindReleased {
		t.Errorf("error_kind = %q, want released", er.Error.Kind)
	}
	if er.Error.Message == "" {
		t.Error("message is empty")
	}
}

func TestWriteErrorWrapsPlainErrors(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, errors.New("disk on fire"))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	var er api.ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &er); err != nil {
		t.Fatal(err)
	}
	if er.Error.Kind != api.ErrorKindServer {
		t.Errorf("error_kind = %q, want server_error", er.Error.Kind)
	}
}
