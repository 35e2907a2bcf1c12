package errors

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/fulmenhq/gofulmen/errors"
	"go.uber.org/zap"

	"github.com/corsproxy/corsproxy/internal/metrics"
	"github.com/corsproxy/corsproxy/internal/observability"
	"github.com/corsproxy/corsproxy/internal/server/middleware"
)

// Error codes
const (
	CodeMissingURL         = "MISSING_URL"
	CodeUnsafeTarget       = "UNSAFE_TARGET"
	CodeRateLimited        = "RATE_LIMITED"
	CodeUpstreamFailure    = "UPSTREAM_FAILURE"
	CodePayloadTooLarge    = "PAYLOAD_TOO_LARGE"
	CodeInvalidInput       = "INVALID_INPUT"
	CodeNotFound           = "NOT_FOUND"
	CodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeConfigInvalid      = "CONFIG_INVALID"
	CodeInternal           = "INTERNAL_ERROR"
)

// Proxy error messages. These are part of the public response contract.
const (
	MsgMissingURL      = "Missing ?url="
	MsgUnsafeTarget    = "Invalid or unsafe URL"
	MsgRateLimited     = "Rate limit exceeded"
	MsgUpstreamFailure = "Upstream request failed"
	MsgPayloadTooLarge = "Request body too large"
)

// Proxy errors

func NewMissingURLError() *errors.ErrorEnvelope {
	return errors.NewErrorEnvelope(CodeMissingURL, MsgMissingURL)
}

func NewUnsafeTargetError(target, reason string) *errors.ErrorEnvelope {
	env := errors.NewErrorEnvelope(CodeUnsafeTarget, MsgUnsafeTarget)
	env = withContext(env, map[string]interface{}{"target": target, "reason": reason})
	env, _ = env.WithSeverity(errors.SeverityMedium)
	return env
}

func NewRateLimitedError(clientID string) *errors.ErrorEnvelope {
	env := errors.NewErrorEnvelope(CodeRateLimited, MsgRateLimited)
	env = withContext(env, map[string]interface{}{"client_id": clientID})
	env, _ = env.WithSeverity(errors.SeverityMedium)
	return env
}

func NewPayloadTooLargeError(limit int64) *errors.ErrorEnvelope {
	env := errors.NewErrorEnvelope(CodePayloadTooLarge, MsgPayloadTooLarge)
	return withContext(env, map[string]interface{}{"max_body_bytes": limit})
}

// WrapUpstreamFailure carries the fetch error's message so it can be shown to
// the caller verbatim.
func WrapUpstreamFailure(ctx context.Context, err error, target string) *errors.ErrorEnvelope {
	message := MsgUpstreamFailure
	if err != nil && err.Error() != "" {
		message = err.Error()
	}
	env := errors.NewErrorEnvelope(CodeUpstreamFailure, message).
		WithCorrelationID(extractCorrelationID(ctx))
	env = withContext(env, map[string]interface{}{"target": target})
	env = withWrappedError(env, err)
	env, _ = env.WithSeverity(errors.SeverityHigh)
	return env
}

// Ops errors

func NewInvalidInputError(message string) *errors.ErrorEnvelope {
	return errors.NewErrorEnvelope(CodeInvalidInput, message)
}

func NewNotFoundError(message string) *errors.ErrorEnvelope {
	return errors.NewErrorEnvelope(CodeNotFound, message)
}

func NewMethodNotAllowedError(message string) *errors.ErrorEnvelope {
	return errors.NewErrorEnvelope(CodeMethodNotAllowed, message)
}

func NewServiceUnavailableError(message string) *errors.ErrorEnvelope {
	return errors.NewErrorEnvelope(CodeServiceUnavailable, message)
}

func NewConfigInvalidError(message string) *errors.ErrorEnvelope {
	return errors.NewErrorEnvelope(CodeConfigInvalid, message)
}

func WrapInternal(ctx context.Context, err error, message string) *errors.ErrorEnvelope {
	env := errors.NewErrorEnvelope(CodeInternal, message).
		WithCorrelationID(extractCorrelationID(ctx))
	return withWrappedError(env, err)
}

func extractCorrelationID(ctx context.Context) string {
	if requestID := middleware.GetRequestID(ctx); requestID != "" {
		return requestID
	}
	return errors.GenerateCorrelationID()
}

// EnsureEnvelope normalizes any error into a gofulmen ErrorEnvelope.
func EnsureEnvelope(err error) *errors.ErrorEnvelope {
	if err == nil {
		env, _ := errors.NewErrorEnvelope(CodeInternal, "unexpected nil error").WithSeverity(errors.SeverityCritical)
		return env
	}

	if envelope, ok := err.(*errors.ErrorEnvelope); ok && envelope != nil {
		return envelope
	}

	env := errors.NewErrorEnvelope(CodeInternal, "unexpected error")
	env = withWrappedError(env, err)
	env, _ = env.WithSeverity(errors.SeverityHigh)
	return env
}

// EnsureCorrelationID attaches the request id when the envelope has none.
func EnsureCorrelationID(envelope *errors.ErrorEnvelope, ctx context.Context) *errors.ErrorEnvelope {
	if envelope == nil || envelope.CorrelationID != "" {
		return envelope
	}

	correlationID := middleware.GetRequestID(ctx)
	if correlationID == "" {
		correlationID = "fallback-" + errors.GenerateCorrelationID()
	}
	return envelope.WithCorrelationID(correlationID)
}

// HTTPStatusFromEnvelope resolves the HTTP status for an envelope.
func HTTPStatusFromEnvelope(envelope *errors.ErrorEnvelope) int {
	if envelope == nil {
		return http.StatusInternalServerError
	}
	return HTTPStatusFromCode(envelope.Code)
}

// HTTPStatusFromCode maps error codes to HTTP statuses. Upstream failures are
// reported as 500, not 502.
func HTTPStatusFromCode(code string) int {
	switch code {
	case CodeMissingURL, CodeUnsafeTarget, CodeInvalidInput:
		return http.StatusBadRequest
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodePayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case CodeNotFound:
		return http.StatusNotFound
	case CodeMethodNotAllowed:
		return http.StatusMethodNotAllowed
	case CodeServiceUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func withWrappedError(envelope *errors.ErrorEnvelope, err error) *errors.ErrorEnvelope {
	if err == nil {
		return envelope
	}
	return withContext(envelope, map[string]interface{}{"wrapped_error": err.Error()})
}

func withContext(envelope *errors.ErrorEnvelope, ctx map[string]interface{}) *errors.ErrorEnvelope {
	if envelope == nil {
		return nil
	}
	merged := make(map[string]interface{}, len(envelope.Context)+len(ctx))
	for k, v := range envelope.Context {
		merged[k] = v
	}
	for k, v := range ctx {
		merged[k] = v
	}
	updated, err := envelope.WithContext(merged)
	if err != nil {
		return envelope
	}
	return updated
}

// ResponseDetails merges envelope details and context for the ops body.
func ResponseDetails(envelope *errors.ErrorEnvelope) map[string]interface{} {
	if envelope == nil {
		return nil
	}

	details := make(map[string]interface{})
	for key, value := range envelope.Details {
		details[key] = value
	}
	for key, value := range envelope.Context {
		if _, exists := details[key]; !exists {
			details[key] = value
		}
	}

	if len(details) == 0 {
		return nil
	}
	return details
}

// HTTPErrorDetail is the ops endpoint error body.
type HTTPErrorDetail struct {
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
}

type HTTPErrorResponse struct {
	Error HTTPErrorDetail `json:"error"`
}

// ProxyErrorResponse is the flat body returned by /proxy.
type ProxyErrorResponse struct {
	Error string `json:"error"`
}

// RespondWithError normalizes err and writes the ops JSON body.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	RespondWithEnvelope(w, r, EnsureEnvelope(err))
}

// RespondWithEnvelope writes the ops JSON body, logging and emitting metrics.
func RespondWithEnvelope(w http.ResponseWriter, r *http.Request, envelope *errors.ErrorEnvelope) {
	if w == nil {
		return
	}

	envelope, statusCode := finalize(r, envelope)
	response := HTTPErrorResponse{
		Error: HTTPErrorDetail{
			Code:      envelope.Code,
			Message:   envelope.Message,
			Details:   ResponseDetails(envelope),
			RequestID: envelope.CorrelationID,
		},
	}

	writeJSON(w, statusCode, response)
}

// RespondWithProxyError writes {"error":"<message>"}. Only the message
// reaches the caller; codes and context go to logs and metrics.
func RespondWithProxyError(w http.ResponseWriter, r *http.Request, err error) {
	if w == nil {
		return
	}

	envelope, statusCode := finalize(r, EnsureEnvelope(err))
	writeJSON(w, statusCode, ProxyErrorResponse{Error: envelope.Message})
}

func finalize(r *http.Request, envelope *errors.ErrorEnvelope) (*errors.ErrorEnvelope, int) {
	if envelope == nil {
		envelope = EnsureEnvelope(nil)
	}
	var ctx context.Context
	if r != nil {
		ctx = r.Context()
	}
	envelope = EnsureCorrelationID(envelope, ctx)
	statusCode := HTTPStatusFromEnvelope(envelope)

	logHTTPError(envelope, statusCode)
	emitErrorMetrics(r, envelope, statusCode)
	return envelope, statusCode
}

func writeJSON(w http.ResponseWriter, statusCode int, body interface{}) {
	payload, err := json.Marshal(body)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_, _ = w.Write(payload)
}

func logHTTPError(envelope *errors.ErrorEnvelope, statusCode int) {
	if observability.ServerLogger == nil || envelope == nil {
		return
	}

	fields := []zap.Field{
		zap.String("error_code", envelope.Code),
		zap.Int("http_status", statusCode),
	}
	if envelope.Severity != "" {
		fields = append(fields, zap.String("severity", string(envelope.Severity)))
	}
	for key, value := range envelope.Context {
		fields = append(fields, zap.Any(key, value))
	}
	if envelope.CorrelationID != "" {
		fields = append(fields, zap.String("request_id", envelope.CorrelationID))
	}

	switch envelope.Severity {
	case errors.SeverityCritical, errors.SeverityHigh:
		observability.ServerLogger.Error(envelope.Message, fields...)
	case errors.SeverityMedium:
		observability.ServerLogger.Warn(envelope.Message, fields...)
	default:
		observability.ServerLogger.Info(envelope.Message, fields...)
	}
}

func emitErrorMetrics(r *http.Request, envelope *errors.ErrorEnvelope, statusCode int) {
	metrics.RecordError(envelope.Code, statusCode)
	if r != nil && r.URL != nil {
		metrics.RecordErrorByEndpoint(endpointLabel(r.URL.Path), envelope.Code)
	}
}

// endpointLabel keeps error metric labels bounded.
func endpointLabel(path string) string {
	switch path {
	case "/", "/proxy", "/version", "/metrics", "/health", "/health/live", "/health/ready", "/health/startup":
		return path
	default:
		return "/unknown"
	}
}
