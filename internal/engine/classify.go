package engine

import (
	"context"
	"errors"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// classifyTransportError maps a raw transport-layer error from the initial
// GET into one of the named network-layer kinds of §7
// (REQUESTS_UNKNOWN_ERROR, CONNECTION_ERROR, NOURL_ERROR,
// TOO_MANY_REDIRECTS, UNKNOWN_ERROR). This mirrors the shape of the
// teacher's retry classifier (pattern-matching the Go error chain and
// message text) but, per §7 and §10.3, is used ONLY to choose an
// error-kind label for the ERROR event — it never drives a retry loop.
func classifyTransportError(err error) string {
	if err == nil {
		return ""
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "CONNECTION_ERROR: " + err.Error()
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		if urlErr.URL == "" {
			return "NOURL_ERROR"
		}
		if strings.Contains(strings.ToLower(urlErr.Error()), "too many redirects") ||
			strings.Contains(urlErr.Error(), "TOO_MANY_REDIRECTS") {
			return "TOO_MANY_REDIRECTS"
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return "CONNECTION_ERROR: " + err.Error()
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "no url"), strings.Contains(msg, "unsupported protocol scheme"):
		return "NOURL_ERROR"
	case strings.Contains(msg, "connection refused"), strings.Contains(msg, "connection reset"), strings.Contains(msg, "eof"):
		return "CONNECTION_ERROR: " + err.Error()
	default:
		return "REQUESTS_UNKNOWN_ERROR: " + err.Error()
	}
}

// statusToKind maps a non-200 HTTP status to its error kind per §4.3/§7.
func statusToKind(statusCode int) string {
	switch statusCode {
	case 403:
		return "AUTH_FAIL"
	case 404:
		return "FILE_NOT_FOUND"
	case 500:
		return "SERVER_ERROR"
	default:
		return strconv.Itoa(statusCode)
	}
}
