// Package action provides the outbound call each Task attempt makes.
package action

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

const (
	// maxBodyBytes caps how much of an error response is read for detail.
	maxBodyBytes = 64 * 1024

	// maxDetailLen caps the detail kept from a non-JSON error body.
	maxDetailLen = 512

	// TargetPlaceholder is replaced with the url-escaped target in a URL
	// template.
	TargetPlaceholder = "{target}"
)

// StatusError is returned when the endpoint responds with a non-2xx status.
type StatusError struct {
	Code   int
	Detail string
}

func (e *StatusError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("unexpected status %d", e.Code)
	}

	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Detail)
}

// HTTPAction posts each message as a form to an HTTP endpoint.
//
// The form carries the credential as access_token and the text as message.
// Any 2xx response is a success.
type HTTPAction struct {
	client      *http.Client
	urlTemplate string
	userAgent   string
}

// NewHTTPAction creates an HTTPAction posting to urlTemplate, in which
// "{target}" is replaced with each attempt's target.
func NewHTTPAction(
	urlTemplate string,
	timeout time.Duration,
	userAgent string,
) *HTTPAction {
	return &HTTPAction{
		client:      &http.Client{Timeout: timeout},
		urlTemplate: urlTemplate,
		userAgent:   userAgent,
	}
}

func (a *HTTPAction) Attempt(
	ctx context.Context,
	credential, target, message string,
) error {
	endpoint := strings.ReplaceAll(
		a.urlTemplate,
		TargetPlaceholder,
		url.PathEscape(target),
	)

	form := url.Values{
		"access_token": {credential},
		"message":      {message},
	}

	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		endpoint,
		strings.NewReader(form.Encode()),
	)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Cache-Control", "max-age=0")

	if a.userAgent != "" {
		req.Header.Set("User-Agent", a.userAgent)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	if err != nil {
		return &StatusError{Code: resp.StatusCode, Detail: "unreadable body"}
	}

	return &StatusError{Code: resp.StatusCode, Detail: errorDetail(body)}
}

// errorDetail extracts a human-readable reason from an error response. JSON
// bodies in the common {"error":{"message":...}} or {"message":...} shapes
// yield just the message; anything else is returned trimmed.
func errorDetail(body []byte) string {
	if gjson.ValidBytes(body) {
		for _, path := range []string{"error.message", "error_description", "message", "error"} {
			if v := gjson.GetBytes(body, path); v.Exists() && v.Type == gjson.String {
				return v.String()
			}
		}
	}

	detail := strings.TrimSpace(string(body))
	if len(detail) > maxDetailLen {
		detail = detail[:maxDetailLen] + "…"
	}

	return detail
}
