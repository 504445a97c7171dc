package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// LoaderError is a structured backend error surfaced to the routing layer's
// error boundary. Route loads are not retried automatically.
type LoaderError struct {
	Status  int
	Code    string
	Message string
	Detail  json.RawMessage
}

func (e *LoaderError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api: %s (%s, status %d)", e.Message, e.Code, e.Status)
	}
	return fmt.Sprintf("api: %s (status %d)", e.Message, e.Status)
}

// errorFromResponse builds a LoaderError from a non-2xx response, consuming
// the body. Unstructured bodies fall back to the raw text.
func errorFromResponse(resp *http.Response) *LoaderError {
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))

	var payload struct {
		Error struct {
			Code    string          `json:"code"`
			Message string          `json:"message"`
			Detail  json.RawMessage `json:"detail"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error.Message != "" {
		return &LoaderError{
			Status:  resp.StatusCode,
			Code:    payload.Error.Code,
			Message: payload.Error.Message,
			Detail:  payload.Error.Detail,
		}
	}
	return &LoaderError{Status: resp.StatusCode, Message: string(body)}
}
