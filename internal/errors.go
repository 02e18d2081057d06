package internal

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorKind classifies failures coming back from the remote API.
type ErrorKind int

const (
	// KindRequest covers transport failures: connect, DNS, TLS, timeouts, cancellation.
	KindRequest ErrorKind = iota
	// KindStatus covers responses with a status code >= 400.
	KindStatus
	// KindData covers responses that arrived but could not be interpreted.
	KindData
)

// Sentinels usable with errors.Is against any *APIError of the matching kind.
var (
	ErrRequest = errors.New("request error")
	ErrStatus  = errors.New("status error")
	ErrData    = errors.New("data error")
)

// ErrorSeverity represents the severity of an error
type ErrorSeverity int

const (
	SeverityInfo ErrorSeverity = iota
	SeverityWarning
	SeverityError
	SeverityCritical
)

// APIError is the single error type produced by the request executor, the
// decoders and the token lifecycle.
type APIError struct {
	Kind       ErrorKind              `json:"kind"`
	Method     string                 `json:"method,omitempty"`
	URL        string                 `json:"url,omitempty"`
	StatusCode int                    `json:"status_code,omitempty"`
	Body       string                 `json:"body,omitempty"`
	Message    string                 `json:"message"`
	Severity   ErrorSeverity          `json:"severity"`
	Suggestion string                 `json:"suggestion,omitempty"`
	Context    map[string]interface{} `json:"context,omitempty"`
	Err        error                  `json:"-"`
}

// Error implements the error interface
func (e *APIError) Error() string {
	var parts []string

	head := e.Kind.String()
	if e.StatusCode != 0 {
		head = fmt.Sprintf("%s (status %d)", head, e.StatusCode)
	}
	parts = append(parts, head)

	if e.Method != "" || e.URL != "" {
		parts = append(parts, strings.TrimSpace(e.Method+" "+redactSensitiveURL(e.URL)))
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	}
	if e.Err != nil {
		parts = append(parts, e.Err.Error())
	}

	return strings.Join(parts, ": ")
}

// Unwrap returns the underlying cause.
func (e *APIError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match the kind sentinels.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrRequest:
		return e.Kind == KindRequest
	case ErrStatus:
		return e.Kind == KindStatus
	case ErrData:
		return e.Kind == KindData
	}
	return false
}

// DetailedError returns a detailed error message with all available information
func (e *APIError) DetailedError() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("[%s] %s", e.Severity.String(), e.Kind.String()))

	if e.StatusCode != 0 {
		parts = append(parts, fmt.Sprintf("Status: %d %s", e.StatusCode, http.StatusText(e.StatusCode)))
	}
	if e.URL != "" {
		parts = append(parts, fmt.Sprintf("URL: %s %s", e.Method, redactSensitiveURL(e.URL)))
	}
	if e.Message != "" {
		parts = append(parts, fmt.Sprintf("Message: %s", e.Message))
	}
	if e.Err != nil {
		parts = append(parts, fmt.Sprintf("Cause: %v", e.Err))
	}
	if e.Body != "" {
		parts = append(parts, fmt.Sprintf("Body: %s", e.Body))
	}

	if len(e.Context) > 0 {
		contextParts := make([]string, 0, len(e.Context))
		for k, v := range e.Context {
			contextParts = append(contextParts, fmt.Sprintf("%s=%v", k, v))
		}
		parts = append(parts, fmt.Sprintf("Context: %s", strings.Join(contextParts, ", ")))
	}

	if e.Suggestion != "" {
		parts = append(parts, fmt.Sprintf("\nSuggestion: %s", e.Suggestion))
	}

	return strings.Join(parts, "\n")
}

// String returns the string representation of ErrorKind
func (k ErrorKind) String() string {
	switch k {
	case KindRequest:
		return "request error"
	case KindStatus:
		return "status error"
	case KindData:
		return "data error"
	default:
		return "unknown error"
	}
}

// String returns the string representation of ErrorSeverity
func (es ErrorSeverity) String() string {
	switch es {
	case SeverityInfo:
		return "INFO"
	case SeverityWarning:
		return "WARNING"
	case SeverityError:
		return "ERROR"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// NewRequestError wraps a transport-level failure.
func NewRequestError(method, url string, err error) *APIError {
	return &APIError{
		Kind:       KindRequest,
		Method:     method,
		URL:        url,
		Message:    "request failed",
		Severity:   SeverityWarning,
		Suggestion: "Check your network connection and proxy settings, then retry",
		Context:    make(map[string]interface{}),
		Err:        err,
	}
}

// NewStatusError records a response whose status code signals failure. The
// body is expected to be truncated by the caller.
func NewStatusError(method, url string, statusCode int, body string) *APIError {
	e := &APIError{
		Kind:       KindStatus,
		Method:     method,
		URL:        url,
		StatusCode: statusCode,
		Body:       body,
		Message:    fmt.Sprintf("HTTP error: %d %s", statusCode, http.StatusText(statusCode)),
		Context:    make(map[string]interface{}),
	}
	e.Severity = statusSeverity(statusCode)
	e.Suggestion = statusSuggestion(statusCode)
	return e
}

// NewDataError reports a payload that could not be decoded or is structurally wrong.
func NewDataError(message string, err error) *APIError {
	return &APIError{
		Kind:       KindData,
		Message:    message,
		Severity:   SeverityError,
		Suggestion: "The response did not have the expected shape; verify the resource path and API version",
		Context:    make(map[string]interface{}),
		Err:        err,
	}
}

// WithURL attaches the request target (redacted when printed).
func (e *APIError) WithURL(method, url string) *APIError {
	e.Method = method
	e.URL = url
	return e
}

// WithSuggestion adds a custom suggestion to the error
func (e *APIError) WithSuggestion(suggestion string) *APIError {
	e.Suggestion = suggestion
	return e
}

// WithContext adds context information to the error
func (e *APIError) WithContext(key string, value interface{}) *APIError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// IsRetryable reports whether repeating the same request might succeed.
func (e *APIError) IsRetryable() bool {
	switch e.Kind {
	case KindRequest:
		return true
	case KindStatus:
		return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
	default:
		return false
	}
}

// IsCritical returns true if the error is critical and should stop execution
func (e *APIError) IsCritical() bool {
	return e.Severity == SeverityCritical
}

func statusSeverity(code int) ErrorSeverity {
	switch {
	case code == http.StatusTooManyRequests:
		return SeverityWarning
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return SeverityCritical
	default:
		return SeverityError
	}
}

func statusSuggestion(code int) string {
	switch {
	case code == http.StatusUnauthorized:
		return "The access token was rejected; log in again or check WME_USERNAME and WME_PASSWORD"
	case code == http.StatusForbidden:
		return "The account is not entitled to this resource"
	case code == http.StatusNotFound:
		return "Verify the resource identifier; the resource may not exist for this project or date"
	case code == http.StatusTooManyRequests:
		return "Too many requests; lower --rate-limit or wait before retrying"
	case code >= 500:
		return "Server error occurred. Please try again later"
	default:
		return "Please check the request parameters and try again"
	}
}

// statusOf returns the status code of err when it is a status error.
func statusOf(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Kind == KindStatus {
		return apiErr.StatusCode
	}
	return 0
}

// IsNotFound reports a 404 anywhere in err's chain.
func IsNotFound(err error) bool { return statusOf(err) == http.StatusNotFound }

// IsUnauthorized reports a 401 anywhere in err's chain.
func IsUnauthorized(err error) bool { return statusOf(err) == http.StatusUnauthorized }

// IsRateLimited reports a 429 anywhere in err's chain.
func IsRateLimited(err error) bool { return statusOf(err) == http.StatusTooManyRequests }

// IsRetryable reports whether any *APIError in err's chain is retryable.
func IsRetryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.IsRetryable()
	}
	return false
}

// TransferStage tells whether a chunk failed while talking to the server or
// while handling the bytes it returned.
type TransferStage string

const (
	StageRequest    TransferStage = "request"
	StageProcessing TransferStage = "processing"
)

// TransferError is the aggregated failure of a chunked download: the first
// chunk that failed, with the range it covered.
type TransferError struct {
	Resource string
	Range    ByteRange
	Stage    TransferStage
	Err      error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("download chunk failed (%s, %s stage, range %d-%d): %v",
		e.Resource, e.Stage, e.Range.Start, e.Range.End, e.Err)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

// Retryable is true for request-stage failures.
func (e *TransferError) Retryable() bool {
	return e.Stage == StageRequest
}

// ValidationError represents input validation errors
type ValidationError struct {
	Field      string                 `json:"field"`
	Message    string                 `json:"message"`
	Value      interface{}            `json:"value,omitempty"`
	Suggestion string                 `json:"suggestion,omitempty"`
	Context    map[string]interface{} `json:"context,omitempty"`
}

// Error implements the error interface
func (e *ValidationError) Error() string {
	parts := []string{fmt.Sprintf("validation error for %s: %s", e.Field, e.Message)}

	if e.Suggestion != "" {
		parts = append(parts, fmt.Sprintf("Suggestion: %s", e.Suggestion))
	}

	return strings.Join(parts, " - ")
}

// DetailedError returns a detailed validation error message
func (e *ValidationError) DetailedError() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("Validation Error for field '%s'", e.Field))
	parts = append(parts, fmt.Sprintf("Message: %s", e.Message))

	if e.Value != nil {
		parts = append(parts, fmt.Sprintf("Provided value: %v", e.Value))
	}

	if len(e.Context) > 0 {
		contextParts := make([]string, 0, len(e.Context))
		for k, v := range e.Context {
			contextParts = append(contextParts, fmt.Sprintf("%s=%v", k, v))
		}
		parts = append(parts, fmt.Sprintf("Context: %s", strings.Join(contextParts, ", ")))
	}

	if e.Suggestion != "" {
		parts = append(parts, fmt.Sprintf("\nSuggestion: %s", e.Suggestion))
	}

	return strings.Join(parts, "\n")
}

// NewValidationError creates a new ValidationError
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
		Context: make(map[string]interface{}),
	}
}

// NewValidationErrorWithValue creates a ValidationError with the invalid value
func NewValidationErrorWithValue(field, message string, value interface{}) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
		Value:   value,
		Context: make(map[string]interface{}),
	}
}

// WithSuggestion adds a suggestion to the validation error
func (e *ValidationError) WithSuggestion(suggestion string) *ValidationError {
	e.Suggestion = suggestion
	return e
}

// WithContext adds context to the validation error
func (e *ValidationError) WithContext(key string, value interface{}) *ValidationError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// redactSensitiveURL drops the query string, which may carry credentials.
func redactSensitiveURL(url string) string {
	if i := strings.IndexByte(url, '?'); i >= 0 {
		return url[:i] + "?[REDACTED]"
	}
	return url
}
