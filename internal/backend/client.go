package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"threatdash/internal/metrics"
	"threatdash/internal/version"
)

const maxResponseBytes = 8 << 20

type Options struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	Routes     Routes
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client talks to the threat-intel backend. It attaches credentials per
// route and turns every failure into *Error. It never retries.
type Client struct {
	baseURL string
	apiKey  string
	routes  Routes
	http    *http.Client
	log     *zap.Logger
}

func New(opts Options) *Client {
	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	routes := opts.Routes
	if routes.Login == "" {
		routes = DefaultRoutes("", "")
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		apiKey:  opts.APIKey,
		routes:  routes,
		http:    hc,
		log:     log,
	}
}

func (c *Client) Routes() Routes { return c.routes }

// Probe reports whether the backend answers HTTP at all. Any response,
// whatever its status, counts as reachable.
func (c *Client) Probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+c.routes.Check, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", version.UserAgent())
	resp, err := c.http.Do(req)
	if err != nil {
		return transportError(c.routes.Check, err)
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return resp.Body.Close()
}

// File is one multipart file part.
type File struct {
	Field       string
	Name        string
	ContentType string
	Body        io.Reader
}

type Request struct {
	Method string
	Path   string
	Query  url.Values
	// Body is JSON encoded when non-nil. Ignored when Fields or Files is set.
	Body   any
	Fields map[string]string
	Files  []File
	// Token is the session bearer. Public auth routes ignore it.
	Token string
	// Out receives the decoded JSON body, or the raw text when it is *string.
	Out any
}

func (c *Client) Do(ctx context.Context, req Request) error {
	start := time.Now()
	err := c.do(ctx, req)
	outcome := "ok"
	if k, ok := KindOf(err); ok {
		outcome = string(k)
	}
	metrics.BackendRequests.WithLabelValues(req.Path, outcome).Inc()
	metrics.BackendLatency.WithLabelValues(req.Path).Observe(time.Since(start).Seconds())
	if err != nil {
		c.log.Debug("backend request failed",
			zap.String("method", req.Method),
			zap.String("route", req.Path),
			zap.String("outcome", outcome),
			zap.Duration("duration", time.Since(start)),
		)
	}
	return err
}

func (c *Client) do(ctx context.Context, req Request) error {
	method := req.Method
	if method == "" {
		method = http.MethodPost
	}
	u := c.baseURL + req.Path
	if len(req.Query) > 0 {
		u += "?" + req.Query.Encode()
	}

	body, contentType, err := encodeBody(req)
	if err != nil {
		return &Error{Kind: KindNetwork, Message: FallbackMessage, Path: req.Path, Err: err}
	}
	hreq, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return &Error{Kind: KindNetwork, Message: FallbackMessage, Path: req.Path, Err: err}
	}
	if contentType != "" {
		hreq.Header.Set("Content-Type", contentType)
	}
	hreq.Header.Set("Accept", "application/json")
	hreq.Header.Set("User-Agent", version.UserAgent())
	if c.routes.usesAPIKey(req.Path) {
		if c.apiKey != "" {
			hreq.Header.Set("api-key", c.apiKey)
		} else {
			c.log.Warn("backend api key not configured", zap.String("route", req.Path))
		}
	} else if req.Token != "" {
		hreq.Header.Set("Authorization", "Bearer "+req.Token)
	}

	resp, err := c.http.Do(hreq)
	if err != nil {
		return transportError(req.Path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return transportError(req.Path, err)
	}
	isJSON := looksJSON(resp.Header.Get("Content-Type"), raw)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		en, ar := extractMessage(raw, isJSON)
		return &Error{
			Kind:      kindForStatus(resp.StatusCode),
			Status:    resp.StatusCode,
			Message:   en,
			MessageAR: ar,
			Path:      req.Path,
		}
	}

	if isJSON {
		var env envelope
		if json.Unmarshal(raw, &env) == nil && env.Success != nil && !*env.Success {
			en, ar := env.messages()
			return &Error{Kind: KindValidation, Status: resp.StatusCode, Message: en, MessageAR: ar, Path: req.Path}
		}
	}

	switch out := req.Out.(type) {
	case nil:
		return nil
	case *string:
		*out = string(raw)
		return nil
	default:
		if !isJSON {
			return &Error{Kind: KindNetwork, Status: resp.StatusCode, Message: "Unexpected response from server", Path: req.Path}
		}
		if err := json.Unmarshal(raw, out); err != nil {
			return &Error{Kind: KindNetwork, Status: resp.StatusCode, Message: "Unexpected response from server", Path: req.Path, Err: err}
		}
	}
	return nil
}

func encodeBody(req Request) (io.Reader, string, error) {
	if len(req.Fields) > 0 || len(req.Files) > 0 {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		for k, v := range req.Fields {
			if err := mw.WriteField(k, v); err != nil {
				return nil, "", err
			}
		}
		for _, f := range req.Files {
			h := make(textproto.MIMEHeader)
			h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, f.Field, f.Name))
			ct := f.ContentType
			if ct == "" {
				ct = "application/octet-stream"
			}
			h.Set("Content-Type", ct)
			part, err := mw.CreatePart(h)
			if err != nil {
				return nil, "", err
			}
			if _, err := io.Copy(part, f.Body); err != nil {
				return nil, "", err
			}
		}
		if err := mw.Close(); err != nil {
			return nil, "", err
		}
		return &buf, mw.FormDataContentType(), nil
	}
	if req.Body == nil {
		return nil, "", nil
	}
	b, err := json.Marshal(req.Body)
	if err != nil {
		return nil, "", err
	}
	return bytes.NewReader(b), "application/json", nil
}

func transportError(path string, err error) *Error {
	msg := "Unable to reach the server. Check your connection and try again."
	var nerr net.Error
	switch {
	case errors.Is(err, context.Canceled):
		msg = "The request was cancelled"
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &nerr) && nerr.Timeout():
		msg = "The server took too long to respond"
	}
	return &Error{Kind: KindNetwork, Message: msg, Path: path, Err: err}
}

func looksJSON(contentType string, body []byte) bool {
	if strings.Contains(strings.ToLower(contentType), "json") {
		return true
	}
	t := bytes.TrimSpace(body)
	return len(t) > 0 && (t[0] == '{' || t[0] == '[') && json.Valid(t)
}

type envelope struct {
	Success   *bool           `json:"success"`
	MessageEN string          `json:"message_en"`
	MessageAR string          `json:"message_ar"`
	Message   json.RawMessage `json:"message"`
	Error     json.RawMessage `json:"error"`
}

func (e envelope) messages() (en, ar string) {
	switch {
	case strings.TrimSpace(e.MessageEN) != "":
		en = e.MessageEN
	case rawText(e.Message) != "":
		en = rawText(e.Message)
	case rawText(e.Error) != "":
		en = rawText(e.Error)
	default:
		en = FallbackMessage
	}
	return en, e.MessageAR
}

// rawText returns a JSON string value, or the message field of an object.
func rawText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return strings.TrimSpace(s)
	}
	var obj struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &obj) == nil {
		return strings.TrimSpace(obj.Message)
	}
	return ""
}

func extractMessage(body []byte, isJSON bool) (en, ar string) {
	if isJSON {
		var env envelope
		if json.Unmarshal(body, &env) == nil {
			return env.messages()
		}
	}
	text := strings.TrimSpace(string(body))
	if text == "" || strings.HasPrefix(text, "<") {
		return FallbackMessage, ""
	}
	if len(text) > 300 {
		text = text[:300]
	}
	return text, ""
}
