package internal

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogLevel represents different logging levels
type LogLevel int

const (
	LogLevelError LogLevel = iota
	LogLevelWarn
	LogLevelInfo
	LogLevelDebug
)

// String returns the string representation of the log level
func (l LogLevel) String() string {
	switch l {
	case LogLevelError:
		return "ERROR"
	case LogLevelWarn:
		return "WARN"
	case LogLevelInfo:
		return "INFO"
	case LogLevelDebug:
		return "DEBUG"
	default:
		return "UNKNOWN"
	}
}

func (l LogLevel) zapLevel() zapcore.Level {
	switch l {
	case LogLevelError:
		return zapcore.ErrorLevel
	case LogLevelWarn:
		return zapcore.WarnLevel
	case LogLevelDebug:
		return zapcore.DebugLevel
	default:
		return zapcore.InfoLevel
	}
}

// SecureLogger is a printf-style logger that scrubs credentials from every
// message before handing it to zap.
type SecureLogger struct {
	mu        sync.RWMutex
	zap       *zap.Logger
	atom      zap.AtomicLevel
	level     LogLevel
	debug     bool
	quiet     bool
	redactors []Redactor
}

// Redactor defines an interface for redacting sensitive information
type Redactor interface {
	Redact(input string) string
}

// BearerRedactor masks bearer tokens in header dumps and error strings.
type BearerRedactor struct{}

var bearerPattern = regexp.MustCompile(`(?i)(bearer\s+)[^\s;,"']+`)

func (r *BearerRedactor) Redact(input string) string {
	return bearerPattern.ReplaceAllString(input, "${1}[REDACTED]")
}

// CredentialRedactor masks token and password values in query strings,
// form bodies and JSON payloads.
type CredentialRedactor struct{}

var (
	credentialParamPattern = regexp.MustCompile(`(?i)((?:access_token|refresh_token|id_token|password|token)=)[^&\s;]+`)
	credentialJSONPattern  = regexp.MustCompile(`(?i)("(?:access_token|refresh_token|id_token|password)"\s*:\s*")[^"]*(")`)
)

func (r *CredentialRedactor) Redact(input string) string {
	result := credentialParamPattern.ReplaceAllString(input, "${1}[REDACTED]")
	return credentialJSONPattern.ReplaceAllString(result, "${1}[REDACTED]${2}")
}

// NewSecureLogger creates a new secure logger
func NewSecureLogger(output io.Writer, level LogLevel, debug, quiet bool) *SecureLogger {
	sl := &SecureLogger{
		atom:  zap.NewAtomicLevel(),
		debug: debug,
		quiet: quiet,
		redactors: []Redactor{
			&BearerRedactor{},
			&CredentialRedactor{},
		},
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:          "time",
		LevelKey:         "level",
		MessageKey:       "message",
		CallerKey:        "caller",
		EncodeTime:       zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05"),
		EncodeLevel:      zapcore.CapitalLevelEncoder,
		EncodeCaller:     zapcore.ShortCallerEncoder,
		ConsoleSeparator: " ",
	}
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderConfig),
		zapcore.AddSync(output),
		sl.atom,
	)

	opts := []zap.Option{}
	if debug {
		opts = append(opts, zap.AddCaller(), zap.AddCallerSkip(2))
	}
	sl.zap = zap.New(core, opts...)
	sl.applyLevel(level)

	return sl
}

// NewDefaultLogger creates a logger with default settings
func NewDefaultLogger(debug, quiet bool) *SecureLogger {
	level := LogLevelInfo
	if debug {
		level = LogLevelDebug
	}
	if quiet {
		level = LogLevelError
	}

	return NewSecureLogger(os.Stderr, level, debug, quiet)
}

func (sl *SecureLogger) applyLevel(level LogLevel) {
	sl.mu.Lock()
	defer sl.mu.Unlock()

	if sl.quiet {
		level = LogLevelError
	} else if sl.debug {
		level = LogLevelDebug
	}
	sl.level = level
	sl.atom.SetLevel(level.zapLevel())
}

// redactSensitiveData applies all redactors to the input string
func (sl *SecureLogger) redactSensitiveData(input string) string {
	sl.mu.RLock()
	defer sl.mu.RUnlock()

	result := input
	for _, redactor := range sl.redactors {
		result = redactor.Redact(result)
	}
	return result
}

func (sl *SecureLogger) shouldLog(level LogLevel) bool {
	return sl.atom.Enabled(level.zapLevel())
}

func (sl *SecureLogger) write(level LogLevel, format string, args []interface{}) {
	if !sl.shouldLog(level) {
		return
	}
	message := sl.redactSensitiveData(fmt.Sprintf(format, args...))

	switch level {
	case LogLevelError:
		sl.zap.Error(message)
	case LogLevelWarn:
		sl.zap.Warn(message)
	case LogLevelDebug:
		sl.zap.Debug(message)
	default:
		sl.zap.Info(message)
	}
}

// Error logs an error message
func (sl *SecureLogger) Error(format string, args ...interface{}) {
	sl.write(LogLevelError, format, args)
}

// Warn logs a warning message
func (sl *SecureLogger) Warn(format string, args ...interface{}) {
	sl.write(LogLevelWarn, format, args)
}

// Info logs an info message
func (sl *SecureLogger) Info(format string, args ...interface{}) {
	sl.write(LogLevelInfo, format, args)
}

// Debug logs a debug message
func (sl *SecureLogger) Debug(format string, args ...interface{}) {
	sl.write(LogLevelDebug, format, args)
}

// LogHTTPRequest logs an HTTP request with sensitive headers masked
func (sl *SecureLogger) LogHTTPRequest(req *http.Request) {
	if !sl.shouldLog(LogLevelDebug) {
		return
	}
	sl.Debug("HTTP Request: %s %s Headers: %v", req.Method, req.URL.String(), sanitizeHeaders(req.Header))
}

// LogHTTPResponse logs an HTTP response with sensitive headers masked
func (sl *SecureLogger) LogHTTPResponse(resp *http.Response) {
	if !sl.shouldLog(LogLevelDebug) {
		return
	}
	sl.Debug("HTTP Response: %s Headers: %v", resp.Status, sanitizeHeaders(resp.Header))
}

func sanitizeHeaders(h http.Header) map[string]string {
	sanitized := make(map[string]string, len(h))
	for name, values := range h {
		if isSensitiveHeader(name) {
			sanitized[name] = "[REDACTED]"
		} else {
			sanitized[name] = strings.Join(values, ", ")
		}
	}
	return sanitized
}

// isSensitiveHeader checks if a header contains sensitive information
func isSensitiveHeader(name string) bool {
	sensitiveHeaders := []string{
		"authorization",
		"cookie",
		"x-api-key",
		"token",
	}

	lowerName := strings.ToLower(name)
	for _, sensitive := range sensitiveHeaders {
		if strings.Contains(lowerName, sensitive) {
			return true
		}
	}
	return false
}

// Sync flushes buffered output.
func (sl *SecureLogger) Sync() error {
	return sl.zap.Sync()
}

// SetLevel sets the logging level
func (sl *SecureLogger) SetLevel(level LogLevel) {
	sl.applyLevel(level)
}

// Level returns the effective level.
func (sl *SecureLogger) Level() LogLevel {
	sl.mu.RLock()
	defer sl.mu.RUnlock()
	return sl.level
}

// SetDebug enables or disables debug mode
func (sl *SecureLogger) SetDebug(debug bool) {
	sl.mu.Lock()
	sl.debug = debug
	level := sl.level
	sl.mu.Unlock()
	sl.applyLevel(level)
}

// SetQuiet enables or disables quiet mode
func (sl *SecureLogger) SetQuiet(quiet bool) {
	sl.mu.Lock()
	sl.quiet = quiet
	level := sl.level
	if !quiet && level == LogLevelError {
		level = LogLevelInfo
	}
	sl.mu.Unlock()
	sl.applyLevel(level)
}

// AddRedactor adds a custom redactor
func (sl *SecureLogger) AddRedactor(redactor Redactor) {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	sl.redactors = append(sl.redactors, redactor)
}
