package api

import (
	"encoding/json"
	"errors"
	"net/http"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/whatsapp-automation/engine/internal/campaign"
	"github.com/whatsapp-automation/engine/internal/messaging"
	"github.com/whatsapp-automation/engine/internal/network"
	"github.com/whatsapp-automation/engine/internal/scheduler"
	"github.com/whatsapp-automation/engine/internal/session"
	"github.com/whatsapp-automation/engine/internal/store"
)

// Error codes returned in the envelope.
const (
	CodeBadRequest       = "BAD_REQUEST"
	CodeValidation       = "VALIDATION_FAILED"
	CodeTenantRequired   = "TENANT_REQUIRED"
	CodeTenantMismatch   = "TENANT_MISMATCH"
	CodeAccountNotFound  = "ACCOUNT_NOT_FOUND"
	CodeNotFound         = "NOT_FOUND"
	CodeNotConfigured    = "NOT_CONFIGURED"
	CodeNotAuthenticated = "NOT_AUTHENTICATED"
	CodeNoPendingLogin   = "NO_PENDING_LOGIN"
	CodeReauthRequired   = "REAUTH_REQUIRED"
	CodeConnectFailed    = "CONNECT_FAILED"
	CodeInvalidCode      = "INVALID_CODE"
	CodePeerNotFound     = "PEER_NOT_FOUND"
	CodeMessageNotFound  = "MESSAGE_NOT_FOUND"
	CodeNoMedia          = "NO_MEDIA"
	CodeEmptyFile        = "EMPTY_FILE"
	CodeFileTooLarge     = "FILE_TOO_LARGE"
	CodeUnsupported      = "UNSUPPORTED"
	CodeNotPending       = "NOT_PENDING"
	CodeQueueFull        = "QUEUE_FULL"
	CodeTickInProgress   = "TICK_IN_PROGRESS"
	CodeInternal         = "INTERNAL"
)

// Envelope wraps every JSON response.
type Envelope struct {
	Success        bool        `json:"success"`
	Data           interface{} `json:"data,omitempty"`
	Error          string      `json:"error,omitempty"`
	ErrorCode      string      `json:"errorCode,omitempty"`
	RequiresReauth bool        `json:"requiresReauth,omitempty"`
}

type errorMapping struct {
	err    error
	status int
	code   string
}

// Checked in order; the first match wins. ErrPermanentInvalidation comes
// before the network errors it may wrap.
var errorMappings = []errorMapping{
	{errBadJSON, http.StatusBadRequest, CodeBadRequest},
	{errBadID, http.StatusBadRequest, CodeBadRequest},
	{session.ErrPermanentInvalidation, http.StatusUnauthorized, CodeReauthRequired},
	{session.ErrTenantMismatch, http.StatusForbidden, CodeTenantMismatch},
	{session.ErrAccountNotFound, http.StatusNotFound, CodeAccountNotFound},
	{session.ErrNotConfigured, http.StatusConflict, CodeNotConfigured},
	{session.ErrNotAuthenticated, http.StatusUnauthorized, CodeNotAuthenticated},
	{session.ErrNoPendingLogin, http.StatusConflict, CodeNoPendingLogin},
	{network.ErrInvalidCode, http.StatusBadRequest, CodeInvalidCode},
	{session.ErrConnectFailed, http.StatusBadGateway, CodeConnectFailed},
	{network.ErrPeerNotFound, http.StatusNotFound, CodePeerNotFound},
	{network.ErrMessageNotFound, http.StatusNotFound, CodeMessageNotFound},
	{network.ErrUnsupported, http.StatusNotImplemented, CodeUnsupported},
	{messaging.ErrNoMedia, http.StatusNotFound, CodeNoMedia},
	{messaging.ErrEmptyFile, http.StatusBadRequest, CodeEmptyFile},
	{messaging.ErrFileTooLarge, http.StatusRequestEntityTooLarge, CodeFileTooLarge},
	{campaign.ErrNotPending, http.StatusConflict, CodeNotPending},
	{campaign.ErrQueueFull, http.StatusServiceUnavailable, CodeQueueFull},
	{scheduler.ErrTickInProgress, http.StatusConflict, CodeTickInProgress},
	{store.ErrNotFound, http.StatusNotFound, CodeNotFound},
}

// classify maps err onto an HTTP status and error code.
func classify(err error) (int, string) {
	var verrs validation.Errors
	if errors.As(err, &verrs) {
		return http.StatusBadRequest, CodeValidation
	}
	for _, m := range errorMappings {
		if errors.Is(err, m.err) {
			return m.status, m.code
		}
	}
	return http.StatusInternalServerError, CodeInternal
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeData(w http.ResponseWriter, status int, data interface{}) {
	writeJSON(w, status, Envelope{Success: true, Data: data})
}

func writeFailure(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Envelope{Error: message, ErrorCode: code})
}

// writeError renders err with its mapped status. Internal errors are
// logged and their message replaced.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		s.log.WithField("path", r.URL.Path).WithError(err).Error("Request failed")
		message = "internal error"
	}
	writeJSON(w, status, Envelope{
		Error:          message,
		ErrorCode:      code,
		RequiresReauth: session.RequiresReauth(err),
	})
}

// decode reads a JSON body into v and validates it when v implements
// validation.Validatable.
func decode(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errBadJSON
	}
	if vv, ok := v.(validation.Validatable); ok {
		return vv.Validate()
	}
	return nil
}

var (
	errBadJSON = errors.New("invalid JSON body")
	errBadID   = errors.New("invalid id")
)
