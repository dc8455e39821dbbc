package transport

import (
	"encoding/json"
	"net/http"

	"github.com/sandkasten-dev/sandkasten/pkg/api"
)

// HTTPStatusFromError maps an error kind to the corresponding HTTP
// status code. Transport-level errors (body too large, unsupported
// content type) are handled separately by the handlers.
func HTTPStatusFromError(err *api.Error) int {
	switch err.Kind {
	case api.ErrorKindValidation:
		return http.StatusBadRequest
	case api.ErrorKindAuth:
		return http.StatusUnauthorized
	case api.ErrorKindUnknownSandboxType, api.ErrorKindToolNotFound:
		return http.StatusNotFound
	case api.ErrorKindReleased:
		return http.StatusGone
	case api.ErrorKindTimeout:
		return http.StatusGatewayTimeout
	case api.ErrorKindProvision, api.ErrorKindToolExecution:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// WriteErrorResponse writes a JSON error response using the
// ErrorResponse envelope from pkg/api. It sets the Content-Type header
// and writes the HTTP status code.
func WriteErrorResponse(w http.ResponseWriter, apiErr *api.Error, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(api.ErrorResponse{Error: apiErr})
}

// WriteError writes any error as a protocol error response, deriving
// the HTTP status from the error kind. Untyped errors surface as
// server_error.
func WriteError(w http.ResponseWriter, err error) {
	apiErr := api.AsError(err)
	WriteErrorResponse(w, apiErr, HTTPStatusFromError(apiErr))
}
