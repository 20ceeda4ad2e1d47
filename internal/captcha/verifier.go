package captcha

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"threatdash/internal/config"
)

var (
	ErrCaptchaRequired    = errors.New("captcha_required")
	ErrCaptchaUnavailable = errors.New("captcha_unavailable")
)

// Verifier checks a captcha response submitted with the registration form.
type Verifier interface {
	Verify(ctx context.Context, token, remoteIP string) error
	// Widget describes what the form must render; Enabled is false for
	// NoopVerifier.
	Widget() Widget
}

type Widget struct {
	Enabled  bool
	Provider string
	SiteKey  string
}

// FormField returns the form field name the provider's widget posts.
func (w Widget) FormField() string {
	switch w.Provider {
	case "hcaptcha":
		return "h-captcha-response"
	case "cap":
		return "cap-token"
	default:
		return "cf-turnstile-response"
	}
}

// ScriptURL is the provider's widget script, or "" when none is loaded.
func (w Widget) ScriptURL() string {
	switch w.Provider {
	case "hcaptcha":
		return "https://js.hcaptcha.com/1/api.js"
	case "cap":
		return ""
	default:
		return "https://challenges.cloudflare.com/turnstile/v0/api.js"
	}
}

// ElementClass is the class the provider script mounts its widget on.
func (w Widget) ElementClass() string {
	switch w.Provider {
	case "hcaptcha":
		return "h-captcha"
	case "cap":
		return "cap-widget"
	default:
		return "cf-turnstile"
	}
}

// Origins lists the hosts the widget loads scripts and frames from.
func (w Widget) Origins() []string {
	if !w.Enabled {
		return nil
	}
	switch w.Provider {
	case "hcaptcha":
		return []string{"https://hcaptcha.com", "https://*.hcaptcha.com"}
	case "cap":
		return nil
	default:
		return []string{"https://challenges.cloudflare.com"}
	}
}

type NoopVerifier struct{}

func (NoopVerifier) Verify(ctx context.Context, token, remoteIP string) error { return nil }
func (NoopVerifier) Widget() Widget                                           { return Widget{} }

type HTTPVerifier struct {
	provider  string
	siteKey   string
	verifyURL string
	secret    string
	client    *http.Client
}

func NewVerifier(cfg config.Config) Verifier {
	if !cfg.CaptchaEnabled {
		return NoopVerifier{}
	}
	return &HTTPVerifier{
		provider:  strings.ToLower(strings.TrimSpace(cfg.CaptchaProvider)),
		siteKey:   strings.TrimSpace(cfg.CaptchaSiteKey),
		verifyURL: strings.TrimSpace(cfg.CaptchaVerifyURL),
		secret:    strings.TrimSpace(cfg.CaptchaSecret),
		client:    &http.Client{Timeout: 8 * time.Second},
	}
}

func (v *HTTPVerifier) Widget() Widget {
	p := v.provider
	if p == "" {
		p = "turnstile"
	}
	return Widget{Enabled: true, Provider: p, SiteKey: v.siteKey}
}

type verifyResponse struct {
	Success    bool     `json:"success"`
	ErrorCodes []string `json:"error-codes"`
	Error      string   `json:"error"`
	Message    string   `json:"message"`
}

func (v *HTTPVerifier) Verify(ctx context.Context, token, remoteIP string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return fmt.Errorf("%w: captcha token is required", ErrCaptchaRequired)
	}
	remoteIP = strings.TrimSpace(remoteIP)

	var (
		body        io.Reader
		contentType string
		strict      bool
	)
	switch v.Widget().Provider {
	case "turnstile", "hcaptcha":
		form := url.Values{"secret": {v.secret}, "response": {token}}
		if remoteIP != "" {
			form.Set("remoteip", remoteIP)
		}
		body, contentType = strings.NewReader(form.Encode()), "application/x-www-form-urlencoded"
	case "cap":
		payload := map[string]string{"secret": v.secret, "response": token}
		if remoteIP != "" {
			payload["remoteip"] = remoteIP
		}
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrCaptchaUnavailable, err)
		}
		body, contentType, strict = bytes.NewReader(raw), "application/json", true
	default:
		return fmt.Errorf("%w: unsupported captcha provider %q", ErrCaptchaUnavailable, v.provider)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.verifyURL, body)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCaptchaUnavailable, err)
	}
	req.Header.Set("Content-Type", contentType)
	return v.send(req, strict)
}

// send posts the verification. In strict mode (CAP) any non-2xx means the
// verifier is unavailable; otherwise 4xx counts as a rejected token.
func (v *HTTPVerifier) send(req *http.Request, strict bool) error {
	resp, err := v.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCaptchaUnavailable, err)
	}
	defer resp.Body.Close()
	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	if !ok && (strict || resp.StatusCode >= 500) {
		return fmt.Errorf("%w: captcha verify HTTP %d", ErrCaptchaUnavailable, resp.StatusCode)
	}
	if !ok {
		return fmt.Errorf("%w: captcha verify HTTP %d", ErrCaptchaRequired, resp.StatusCode)
	}

	var out verifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("%w: %v", ErrCaptchaUnavailable, err)
	}
	if out.Success {
		return nil
	}
	for _, reason := range []string{out.Error, out.Message, strings.Join(out.ErrorCodes, ",")} {
		if strings.TrimSpace(reason) != "" {
			return fmt.Errorf("%w: captcha rejected: %s", ErrCaptchaRequired, reason)
		}
	}
	return fmt.Errorf("%w: captcha rejected", ErrCaptchaRequired)
}
