package providers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// FailoverReason says why a completion failed, in terms the gateway can act
// on.
type FailoverReason string

const (
	FailoverBilling          FailoverReason = "billing"
	FailoverRateLimit        FailoverReason = "rate_limit"
	FailoverAuth             FailoverReason = "auth"
	FailoverTimeout          FailoverReason = "timeout"
	FailoverNetwork          FailoverReason = "network"
	FailoverServerError      FailoverReason = "server_error"
	FailoverInvalidRequest   FailoverReason = "invalid_request"
	FailoverModelUnavailable FailoverReason = "model_unavailable"
	FailoverContentFilter    FailoverReason = "content_filter"
	FailoverUnknown          FailoverReason = "unknown"
)

// IsRetryable reports whether the same request may succeed later. The
// gateway never retries; this is for callers of the HTTP API.
func (r FailoverReason) IsRetryable() bool {
	switch r {
	case FailoverRateLimit, FailoverTimeout, FailoverNetwork, FailoverServerError:
		return true
	}
	return false
}

// ShouldFailover reports whether the provider, not the request, is at fault.
// Such failures count against the provider's breaker and move the gateway on
// to the next candidate.
func (r FailoverReason) ShouldFailover() bool {
	return r != FailoverInvalidRequest && r != FailoverContentFilter
}

// ProviderError is the error every adapter returns for a failed completion.
type ProviderError struct {
	Reason    FailoverReason
	Provider  string // configured provider id
	Model     string
	Status    int    // HTTP status, 0 when none was received
	Code      string // vendor error code
	Message   string
	RequestID string // vendor request id
	Cause     error
}

// Error renders "provider/model: reason (status N, code C): message".
func (e *ProviderError) Error() string {
	var b strings.Builder
	switch {
	case e.Provider != "" && e.Model != "":
		fmt.Fprintf(&b, "%s/%s: ", e.Provider, e.Model)
	case e.Provider != "":
		b.WriteString(e.Provider + ": ")
	}
	b.WriteString(string(e.Reason))

	var details []string
	if e.Status != 0 {
		details = append(details, fmt.Sprintf("status %d", e.Status))
	}
	if e.Code != "" {
		details = append(details, "code "+e.Code)
	}
	if e.RequestID != "" {
		details = append(details, "request "+e.RequestID)
	}
	if len(details) > 0 {
		b.WriteString(" (" + strings.Join(details, ", ") + ")")
	}

	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	if msg != "" {
		b.WriteString(": " + msg)
	}
	return b.String()
}

// ErrorCode returns "provider_<reason>" for results and metrics.
func (e *ProviderError) ErrorCode() string { return "provider_" + string(e.Reason) }

func (e *ProviderError) Unwrap() error { return e.Cause }

func (e *ProviderError) Retryable() bool { return e.Reason.IsRetryable() }

// NewProviderError wraps cause, classifying it with ClassifyError.
func NewProviderError(provider, model string, cause error) *ProviderError {
	e := &ProviderError{Provider: provider, Model: model, Cause: cause, Reason: FailoverUnknown}
	if cause != nil {
		e.Message = cause.Error()
		e.Reason = ClassifyError(cause)
	}
	return e
}

// WithStatus records the HTTP status. A status with a known meaning
// overrides the reason inferred from the message.
func (e *ProviderError) WithStatus(status int) *ProviderError {
	e.Status = status
	if r := reasonForStatus(status); r != FailoverUnknown {
		e.Reason = r
	}
	return e
}

// WithCode records the vendor error code. A known code overrides both the
// message and the status.
func (e *ProviderError) WithCode(code string) *ProviderError {
	e.Code = code
	if r, ok := vendorCodes[strings.ToLower(code)]; ok {
		e.Reason = r
	}
	return e
}

func (e *ProviderError) WithRequestID(id string) *ProviderError {
	e.RequestID = id
	return e
}

func (e *ProviderError) WithMessage(msg string) *ProviderError {
	e.Message = msg
	return e
}

// messageHints maps lowercase fragments of untyped error text to a reason.
// Order matters: "gateway timeout 504" is a timeout, not a server error.
var messageHints = []struct {
	reason    FailoverReason
	fragments []string
}{
	{FailoverTimeout, []string{"timeout", "deadline exceeded", "etimedout"}},
	{FailoverNetwork, []string{"connection refused", "connection reset", "no such host", "broken pipe", "unexpected eof"}},
	{FailoverRateLimit, []string{"rate limit", "rate_limit", "too many requests", "429"}},
	{FailoverAuth, []string{"unauthorized", "invalid api key", "invalid_api_key", "authentication", "401", "403"}},
	{FailoverBilling, []string{"billing", "payment", "quota", "402"}},
	{FailoverContentFilter, []string{"content_filter", "content policy", "safety"}},
	{FailoverModelUnavailable, []string{"model not found", "model_not_found", "does not exist"}},
	{FailoverServerError, []string{"internal server", "server error", "overloaded", "unavailable", "500", "502", "503", "504"}},
}

// vendorCodes covers the error codes of the OpenAI, Anthropic and Bedrock
// APIs, lowercased.
var vendorCodes = map[string]FailoverReason{
	"rate_limit_error":            FailoverRateLimit,
	"rate_limit_exceeded":         FailoverRateLimit,
	"throttlingexception":         FailoverRateLimit,
	"authentication_error":        FailoverAuth,
	"invalid_api_key":             FailoverAuth,
	"accessdeniedexception":       FailoverAuth,
	"unrecognizedclientexception": FailoverAuth,
	"billing_error":               FailoverBilling,
	"insufficient_quota":          FailoverBilling,
	"model_not_found":             FailoverModelUnavailable,
	"model_not_available":         FailoverModelUnavailable,
	"resourcenotfoundexception":   FailoverModelUnavailable,
	"content_policy_violation":    FailoverContentFilter,
	"content_filter":              FailoverContentFilter,
	"server_error":                FailoverServerError,
	"internal_error":              FailoverServerError,
	"overloaded_error":            FailoverServerError,
	"internalserverexception":     FailoverServerError,
	"serviceunavailableexception": FailoverServerError,
	"modeltimeoutexception":       FailoverTimeout,
	"invalid_request_error":       FailoverInvalidRequest,
	"validationexception":         FailoverInvalidRequest,
}

// ClassifyError returns the reason for err: the reason of a wrapped
// ProviderError, then context and net errors, then the error text.
func ClassifyError(err error) FailoverReason {
	if err == nil {
		return FailoverUnknown
	}
	if pe, ok := GetProviderError(err); ok {
		return pe.Reason
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return FailoverTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return FailoverTimeout
		}
		return FailoverNetwork
	}

	text := strings.ToLower(err.Error())
	for _, hint := range messageHints {
		for _, f := range hint.fragments {
			if strings.Contains(text, f) {
				return hint.reason
			}
		}
	}
	return FailoverUnknown
}

func reasonForStatus(status int) FailoverReason {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return FailoverAuth
	case http.StatusPaymentRequired:
		return FailoverBilling
	case http.StatusTooManyRequests:
		return FailoverRateLimit
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return FailoverTimeout
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return FailoverInvalidRequest
	case http.StatusNotFound:
		return FailoverModelUnavailable
	}
	if status >= 500 {
		return FailoverServerError
	}
	return FailoverUnknown
}

// GetProviderError finds a ProviderError in err's chain.
func GetProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

func IsRetryable(err error) bool { return ClassifyError(err).IsRetryable() }

// ShouldFailover reports whether err lets the gateway try another provider.
func ShouldFailover(err error) bool {
	return err != nil && ClassifyError(err).ShouldFailover()
}
