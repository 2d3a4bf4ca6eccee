package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// ErrorCategory represents the category of an error
type ErrorCategory string

const (
	CategoryClient   ErrorCategory = "client"
	CategoryServer   ErrorCategory = "server"
	CategoryExternal ErrorCategory = "external"
	// CategoryContent marks content that cannot be acquired. Never retried.
	CategoryContent ErrorCategory = "content"
)

// Common error codes
const (
	// Client errors (4xx)
	CodeValidationError  = "VALIDATION_ERROR"
	CodeInvalidRequest   = "INVALID_REQUEST"
	CodeUnauthorized     = "UNAUTHORIZED"
	CodeForbidden        = "FORBIDDEN"
	CodeNotFound         = "NOT_FOUND"
	CodeConflict         = "CONFLICT"
	CodeRateLimited      = "RATE_LIMITED"
	CodeUnsafeURL        = "UNSAFE_URL"
	CodeQuotaExceeded    = "QUOTA_EXCEEDED"
	CodeConcurrencyLimit = "CONCURRENCY_LIMIT"

	// Access token specific
	CodeInvalidCredentials = "INVALID_CREDENTIALS"
	CodeInvalidToken       = "INVALID_TOKEN"
	CodeTokenExpired       = "TOKEN_EXPIRED"
	CodeTokenInactive      = "TOKEN_INACTIVE"

	// Resource specific
	CodeJobNotFound      = "JOB_NOT_FOUND"
	CodeArtifactNotFound = "ARTIFACT_NOT_FOUND"

	// Server errors (5xx)
	CodeInternalError    = "INTERNAL_ERROR"
	CodeDatabaseError    = "DATABASE_ERROR"
	CodeStorageError     = "STORAGE_ERROR"
	CodeInsufficientDisk = "INSUFFICIENT_DISK"

	// External service errors
	CodeDownloadError     = "DOWNLOAD_ERROR"
	CodeExternalTimeout   = "EXTERNAL_TIMEOUT"
	CodeDaemonUnavailable = "DAEMON_UNAVAILABLE"

	// Content errors
	CodeBlocked      = "BLOCKED"
	CodeJSLocked     = "JS_LOCKED"
	CodeFileTooSmall = "FILE_TOO_SMALL"
	CodeSizeExceeded = "SIZE_EXCEEDED"
	CodeHTMLResponse = "HTML_RESPONSE"
	CodeTorrentError = "TORRENT_ERROR"
	CodeCancelled    = "CANCELLED"
)

// AppError represents a structured application error
type AppError struct {
	Code       string         `json:"code"`
	Message    string         `json:"message"`
	Category   ErrorCategory  `json:"-"`
	HTTPStatus int            `json:"-"`
	Details    map[string]any `json:"details,omitempty"`
	Cause      error          `json:"-"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithDetails adds details to the error
func (e *AppError) WithDetails(details map[string]any) *AppError {
	e.Details = details
	return e
}

// WithCause sets the underlying cause of the error
func (e *AppError) WithCause(err error) *AppError {
	e.Cause = err
	return e
}

// ErrorResponse is the JSON structure returned to clients
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// ErrorBody contains the error details
type ErrorBody struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	RequestID string         `json:"request_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// New creates a new AppError
func New(code string, message string, category ErrorCategory, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		Category:   category,
		HTTPStatus: httpStatus,
	}
}

// As returns the first AppError in err's chain.
func As(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// UserMessage is the text stored on a failed job. Raw causes are never shown.
func UserMessage(err error) string {
	if appErr, ok := As(err); ok {
		return appErr.Message
	}
	return "download failed"
}

// Client error constructors

func BadRequest(message string) *AppError {
	return New(CodeInvalidRequest, message, CategoryClient, http.StatusBadRequest)
}

func ValidationError(message string) *AppError {
	return New(CodeValidationError, message, CategoryClient, http.StatusBadRequest)
}

func Unauthorized(message string) *AppError {
	return New(CodeUnauthorized, message, CategoryClient, http.StatusUnauthorized)
}

func InvalidCredentials() *AppError {
	return New(CodeInvalidCredentials, "invalid token or password", CategoryClient, http.StatusUnauthorized)
}

func InvalidToken(message string) *AppError {
	return New(CodeInvalidToken, message, CategoryClient, http.StatusUnauthorized)
}

func TokenExpired() *AppError {
	return New(CodeTokenExpired, "token has expired", CategoryClient, http.StatusUnauthorized)
}

func TokenInactive(status string) *AppError {
	return New(CodeTokenInactive, fmt.Sprintf("token is %s", status), CategoryClient, http.StatusForbidden)
}

func Forbidden(message string) *AppError {
	return New(CodeForbidden, message, CategoryClient, http.StatusForbidden)
}

func NotFound(resource string) *AppError {
	return New(CodeNotFound, fmt.Sprintf("%s not found", resource), CategoryClient, http.StatusNotFound)
}

func JobNotFound() *AppError {
	return New(CodeJobNotFound, "job not found", CategoryClient, http.StatusNotFound)
}

func ArtifactNotFound() *AppError {
	return New(CodeArtifactNotFound, "file not found", CategoryClient, http.StatusNotFound)
}

func Conflict(message string) *AppError {
	return New(CodeConflict, message, CategoryClient, http.StatusConflict)
}

func RateLimited() *AppError {
	return New(CodeRateLimited, "rate limit exceeded", CategoryClient, http.StatusTooManyRequests)
}

func UnsafeURL(reason string) *AppError {
	return New(CodeUnsafeURL, reason, CategoryClient, http.StatusBadRequest)
}

func QuotaExceeded(message string) *AppError {
	return New(CodeQuotaExceeded, message, CategoryClient, http.StatusForbidden)
}

func ConcurrencyLimit(limit int) *AppError {
	return New(CodeConcurrencyLimit, fmt.Sprintf("maximum of %d concurrent downloads reached", limit), CategoryClient, http.StatusTooManyRequests)
}

// Server error constructors

func InternalError(message string) *AppError {
	return New(CodeInternalError, message, CategoryServer, http.StatusInternalServerError)
}

func DatabaseError(message string) *AppError {
	return New(CodeDatabaseError, message, CategoryServer, http.StatusInternalServerError)
}

func StorageError(message string) *AppError {
	return New(CodeStorageError, message, CategoryServer, http.StatusInternalServerError)
}

func InsufficientDisk(need, free uint64) *AppError {
	return New(CodeInsufficientDisk, "not enough free disk space for this download", CategoryServer, http.StatusInsufficientStorage).
		WithDetails(map[string]any{"need_bytes": need, "free_bytes": free})
}

// External service error constructors

func DownloadError(message string) *AppError {
	return New(CodeDownloadError, message, CategoryExternal, http.StatusBadGateway)
}

func ExternalTimeout(service string) *AppError {
	return New(CodeExternalTimeout, fmt.Sprintf("%s request timed out", service), CategoryExternal, http.StatusGatewayTimeout)
}

func DaemonUnavailable(message string) *AppError {
	return New(CodeDaemonUnavailable, message, CategoryExternal, http.StatusBadGateway)
}

// Content error constructors

func Blocked(message string) *AppError {
	return New(CodeBlocked, message, CategoryContent, http.StatusUnprocessableEntity)
}

func JSLocked() *AppError {
	return New(CodeJSLocked, "content is JS-locked or blocked: no direct download link could be resolved", CategoryContent, http.StatusUnprocessableEntity)
}

func FileTooSmall(size, min int64) *AppError {
	return New(CodeFileTooSmall, fmt.Sprintf("downloaded file is too small (%d bytes, minimum %d): likely an error page", size, min), CategoryContent, http.StatusUnprocessableEntity)
}

func SizeExceeded(size, max int64) *AppError {
	return New(CodeSizeExceeded, fmt.Sprintf("file size %d bytes exceeds the allowed %d bytes", size, max), CategoryContent, http.StatusUnprocessableEntity)
}

func HTMLResponse() *AppError {
	return New(CodeHTMLResponse, "server returned an HTML page instead of the file", CategoryContent, http.StatusUnprocessableEntity)
}

func TorrentError(state string) *AppError {
	return New(CodeTorrentError, fmt.Sprintf("torrent failed: %s", state), CategoryContent, http.StatusUnprocessableEntity)
}

func Cancelled() *AppError {
	return New(CodeCancelled, "download cancelled", CategoryContent, http.StatusConflict)
}

// WriteError writes an error response to the HTTP response writer
func WriteError(w http.ResponseWriter, requestID string, err error) {
	appErr, ok := As(err)
	if !ok {
		// Wrap unknown errors as internal errors
		appErr = InternalError("an unexpected error occurred").WithCause(err)
	}

	resp := ErrorResponse{
		Error: ErrorBody{
			Code:      appErr.Code,
			Message:   appErr.Message,
			RequestID: requestID,
			Details:   appErr.Details,
		},
	}

	w.Header().Set("Content-Type", "application/json")
	if requestID != "" {
		w.Header().Set("X-Request-ID", requestID)
	}
	w.WriteHeader(appErr.HTTPStatus)
	json.NewEncoder(w).Encode(resp)
}

// WriteJSON writes a JSON response with the request ID header
func WriteJSON(w http.ResponseWriter, requestID string, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	if requestID != "" {
		w.Header().Set("X-Request-ID", requestID)
	}
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// IsRetryable returns true if the error is retryable
func IsRetryable(err error) bool {
	appErr, ok := As(err)
	if !ok {
		return false
	}

	switch appErr.Category {
	case CategoryExternal:
		return true
	case CategoryServer:
		return appErr.Code != CodeDatabaseError
	default:
		return false
	}
}

// IsCode reports whether err carries the given AppError code.
func IsCode(err error, code string) bool {
	appErr, ok := As(err)
	return ok && appErr.Code == code
}

// IsClientError returns true if the error is a client error
func IsClientError(err error) bool {
	appErr, ok := As(err)
	return ok && appErr.Category == CategoryClient
}

// IsServerError returns true if the error is a server error
func IsServerError(err error) bool {
	appErr, ok := As(err)
	return ok && appErr.Category == CategoryServer
}

// IsExternalError returns true if the error is an external service error
func IsExternalError(err error) bool {
	appErr, ok := As(err)
	return ok && appErr.Category == CategoryExternal
}

// IsContentError returns true if the content itself could not be acquired
func IsContentError(err error) bool {
	appErr, ok := As(err)
	return ok && appErr.Category == CategoryContent
}
