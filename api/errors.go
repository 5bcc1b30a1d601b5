package api

import (
	"errors"
	"fmt"
	"net/http"
)

// Join failure taxonomy. All of these are terminal for the attempt that
// produced them; none is retried automatically.
var (
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrSessionNotLive   = errors.New("session has not started yet")
	ErrPermissionDenied = errors.New("role is not authorized for this session")
	ErrSessionNotFound  = errors.New("session not found")
	ErrSessionFull      = errors.New("session is full")
	ErrUnknown          = errors.New("unexpected backend error")
)

// errorBody is the structured error shape returned by the backend on
// non-success statuses.
type errorBody struct {
	Error  string `json:"error,omitempty"`
	Detail string `json:"detail,omitempty"`
	Code   string `json:"code,omitempty"`
}

func (eb errorBody) text() string {
	if eb.Detail != "" {
		return eb.Detail
	}
	return eb.Error
}

// classify maps a non-2xx response onto the taxonomy. The backend's code
// field wins over the HTTP status; unparsable errors surface the raw text.
func classify(status int, eb errorBody) error {
	var kind error
	switch eb.Code {
	case "session_not_started", "session_not_live":
		kind = ErrSessionNotLive
	case "session_full":
		kind = ErrSessionFull
	default:
		switch status {
		case http.StatusUnauthorized:
			kind = ErrNotAuthenticated
		case http.StatusForbidden:
			kind = ErrPermissionDenied
		case http.StatusNotFound:
			kind = ErrSessionNotFound
		case http.StatusConflict:
			kind = ErrSessionFull
		default:
			kind = ErrUnknown
		}
	}
	if txt := eb.text(); txt != "" {
		return errors.Join(kind, errors.New(txt))
	}
	return errors.Join(kind, fmt.Errorf("status %d", status))
}
