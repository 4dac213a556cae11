// Package email delivers buyer and applicant notifications.
package email

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

type Provider interface {
	SendEmail(ctx context.Context, email *Email) error
}

type Email struct {
	To      string
	Subject string
	Text    string
	HTML    string
}

type Config struct {
	APIKey     string
	From       string
	HTTPClient *http.Client
}

// NewProvider returns nil when e-mail is not configured; callers treat a nil
// provider as "notifications disabled".
func NewProvider(config Config) (Provider, error) {
	apiKey := strings.TrimSpace(config.APIKey)
	from := strings.TrimSpace(config.From)
	if apiKey == "" && from == "" {
		return nil, nil
	}
	if apiKey == "" || from == "" {
		return nil, fmt.Errorf("RESEND_API_KEY and EMAIL_FROM must be set together")
	}
	return NewResendProvider(apiKey, from, config.HTTPClient), nil
}
