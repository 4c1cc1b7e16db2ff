package delta

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/tidwall/gjson"
)

// Kind classifies broker failures so callers can decide whether to retry.
type Kind int

const (
	KindUnknown Kind = iota
	KindAuth
	KindExpiredSignature
	KindNetwork
	KindTimeout
	KindRateLimited
	KindInsufficientMargin
	KindInvalidProduct
	KindUnknownSymbol
)

var kindNames = map[Kind]string{
	KindUnknown:            "unknown",
	KindAuth:               "auth_error",
	KindExpiredSignature:   "expired_signature",
	KindNetwork:            "network_error",
	KindTimeout:            "timeout",
	KindRateLimited:        "rate_limited",
	KindInsufficientMargin: "insufficient_margin",
	KindInvalidProduct:     "invalid_product",
	KindUnknownSymbol:      "unknown_symbol",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Transient reports whether a request failing with this kind may succeed if repeated.
func (k Kind) Transient() bool {
	switch k {
	case KindNetwork, KindTimeout, KindRateLimited, KindExpiredSignature:
		return true
	}
	return false
}

// Error is a classified failure returned by the Delta REST API or transport.
type Error struct {
	Kind       Kind
	Status     int
	Code       string
	Message    string
	RetryAfter time.Duration
	// ServerTime is the exchange clock in unix seconds when the error carried one.
	ServerTime int64
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("delta: ")
	b.WriteString(e.Kind.String())
	if e.Status != 0 {
		fmt.Fprintf(&b, " (http %d)", e.Status)
	}
	if e.Code != "" {
		fmt.Fprintf(&b, " code=%s", e.Code)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the classification of err, looking through wrapping.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindNetwork
	}
	return KindUnknown
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return KindOf(err).Transient()
}

// RetryAfter returns the broker's backoff hint carried by err, if any.
func RetryAfter(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

func transportError(ctx context.Context, err error) *Error {
	kind := KindNetwork
	if ctx.Err() != nil || KindOf(err) == KindTimeout {
		kind = KindTimeout
	}
	return &Error{Kind: kind, Err: err}
}

func responseError(resp *resty.Response) *Error {
	body := resp.Body()

	code := gjson.GetBytes(body, "error.code").String()
	if errField := gjson.GetBytes(body, "error"); code == "" && errField.Type == gjson.String {
		code = errField.String()
	}
	message := gjson.GetBytes(body, "error.message").String()
	if message == "" {
		message = gjson.GetBytes(body, "message").String()
	}
	if message == "" && code == "" {
		message = resp.Status()
	}

	e := &Error{
		Kind:    classify(resp.StatusCode(), code),
		Status:  resp.StatusCode(),
		Code:    code,
		Message: message,
	}
	if e.Kind == KindRateLimited {
		e.RetryAfter = retryAfter(resp.Header())
	}
	if st := gjson.GetBytes(body, "error.context.server_time"); st.Exists() {
		e.ServerTime = epochSeconds(st.Int())
	}
	return e
}

func normalizeCode(code string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(code)), " ", "_")
}

func classify(status int, code string) Kind {
	switch normalizeCode(code) {
	case "expired_signature":
		return KindExpiredSignature
	case "invalid_api_key", "ip_blocked_for_api_key", "signature_mismatch", "unauthorized", "invalid_signature":
		return KindAuth
	case "insufficient_margin", "insufficient_balance", "insufficient_funds":
		return KindInsufficientMargin
	case "invalid_product", "product_not_found", "invalid_product_id", "product_not_live", "market_disrupted":
		return KindInvalidProduct
	case "rate_limit_exceeded", "too_many_requests":
		return KindRateLimited
	}

	switch {
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuth
	case status >= http.StatusInternalServerError:
		return KindNetwork
	}
	return KindUnknown
}

// retryAfter reads Retry-After (seconds) or X-RATE-LIMIT-RESET (milliseconds).
func retryAfter(h http.Header) time.Duration {
	if v := h.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	if v := h.Get("X-RATE-LIMIT-RESET"); v != "" {
		if ms, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil && ms > 0 {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return 0
}

// epochSeconds accepts seconds, milliseconds or microseconds.
func epochSeconds(v int64) int64 {
	switch {
	case v > 1e15:
		return v / 1e6
	case v > 1e12:
		return v / 1e3
	}
	return v
}
