package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/bosley/healthas/appointments"
	"github.com/bosley/healthas/apperr"
)

const maxErrorBody = 512

// File is a named binary payload sent as a multipart part.
type File struct {
	Name        string
	ContentType string
	Data        []byte
}

// Pointer fields distinguish a missing result field from an empty one.

type ChatResponse struct {
	Response *string `json:"response"`
}

type VoiceResponse struct {
	TranscribedText *string `json:"transcribed_text"`
	Response        *string `json:"response"`
}

type ImageResponse struct {
	Analysis *string `json:"analysis"`
}

// StatusError is a non-2xx answer from the remote service.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: HTTP error! status: %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: HTTP error! status: %d: %s", e.Op, e.StatusCode, e.Body)
}

func (e *StatusError) Is(target error) bool {
	return target == apperr.ErrTransfer
}

type Options struct {
	BaseURL    string
	UserID     string
	Insecure   bool
	CACertFile string
	Timeout    time.Duration // zero leaves requests unbounded
}

// Client talks to the remote health assistant service. Every method issues
// exactly one request and never retries.
type Client struct {
	baseURL    *url.URL
	userID     string
	httpClient *http.Client
}

func New(opts Options) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if opts.UserID == "" {
		return nil, fmt.Errorf("user id cannot be empty")
	}

	tlsConfig, err := createTLSConfig(opts.Insecure, opts.CACertFile)
	if err != nil {
		return nil, fmt.Errorf("failed to create TLS config: %w", err)
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = tlsConfig

	return &Client{
		baseURL: base,
		userID:  opts.UserID,
		httpClient: &http.Client{
			Timeout:   opts.Timeout,
			Transport: transport,
		},
	}, nil
}

func (c *Client) UserID() string {
	return c.userID
}

func (c *Client) endpoint(path string, query url.Values) string {
	u := *c.baseURL
	u.Path = c.baseURL.Path + path
	if query != nil {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

func (c *Client) Chat(ctx context.Context, message string) (ChatResponse, error) {
	var out ChatResponse
	err := c.doJSON(ctx, "chat", http.MethodPost, c.endpoint("/chat", nil), map[string]string{
		"user_id": c.userID,
		"message": message,
	}, &out)
	return out, err
}

func (c *Client) VoiceToText(ctx context.Context, audio File) (VoiceResponse, error) {
	var out VoiceResponse
	query := url.Values{"user_id": {c.userID}}
	err := c.doMultipart(ctx, "voice-to-text", c.endpoint("/voice-to-text", query), "audio_file", audio, nil, &out)
	return out, err
}

func (c *Client) AnalyzeImage(ctx context.Context, image File, prompt string) (ImageResponse, error) {
	var out ImageResponse
	query := url.Values{"user_id": {c.userID}}
	fields := map[string]string{"prompt": prompt}
	err := c.doMultipart(ctx, "analyze-image", c.endpoint("/analyze-image", query), "image_file", image, fields, &out)
	return out, err
}

func (c *Client) ListAppointments(ctx context.Context, userID string) ([]appointments.Record, error) {
	var out []appointments.Record
	if err := c.doJSON(ctx, "list appointments", http.MethodGet, c.endpoint("/appointments/"+url.PathEscape(userID), nil), nil, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = []appointments.Record{}
	}
	return out, nil
}

func (c *Client) CreateAppointment(ctx context.Context, req appointments.CreateRequest) error {
	req.DateTime = req.DateTime.UTC()
	return c.doJSON(ctx, "create appointment", http.MethodPost, c.endpoint("/appointments", nil), req, nil)
}

func (c *Client) UpdateAppointment(ctx context.Context, id string, req appointments.UpdateRequest) error {
	if req.DateTime != nil {
		at := req.DateTime.UTC()
		req.DateTime = &at
	}
	return c.doJSON(ctx, "update appointment", http.MethodPut, c.endpoint("/appointments/"+url.PathEscape(id), nil), req, nil)
}

func (c *Client) DeleteAppointment(ctx context.Context, userID, id string) error {
	query := url.Values{"user_id": {userID}}
	return c.doJSON(ctx, "delete appointment", http.MethodDelete, c.endpoint("/appointments/"+url.PathEscape(id), query), nil, nil)
}

func (c *Client) doJSON(ctx context.Context, op, method, target string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: marshal request: %w", op, err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("%s: create request: %w", op, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	return c.do(op, req, out)
}

func (c *Client) doMultipart(ctx context.Context, op, target, field string, file File, fields map[string]string, out any) error {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`, field, escapeQuotes(file.Name)))
	contentType := file.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	header.Set("Content-Type", contentType)

	part, err := writer.CreatePart(header)
	if err != nil {
		return fmt.Errorf("%s: create form file: %w", op, err)
	}
	if _, err := part.Write(file.Data); err != nil {
		return fmt.Errorf("%s: write form file: %w", op, err)
	}
	for k, v := range fields {
		if err := writer.WriteField(k, v); err != nil {
			return fmt.Errorf("%s: write field %s: %w", op, k, err)
		}
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("%s: close multipart writer: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, &buf)
	if err != nil {
		return fmt.Errorf("%s: create request: %w", op, err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Accept", "application/json")

	return c.do(op, req, out)
}

func (c *Client) do(op string, req *http.Request, out any) error {
	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		slog.Debug("Request failed", "op", op, "error", err)
		return fmt.Errorf("%w: %s: %w", apperr.ErrTransfer, op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: %s: read response: %w", apperr.ErrTransfer, op, err)
	}

	slog.Debug("Request complete",
		"op", op,
		"status", resp.StatusCode,
		"bytes", len(body),
		"took", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet := strings.TrimSpace(string(body))
		if len(snippet) > maxErrorBody {
			snippet = snippet[:maxErrorBody]
		}
		return &StatusError{Op: op, StatusCode: resp.StatusCode, Body: snippet}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: %s: parse response: %w", apperr.ErrTransfer, op, err)
	}
	return nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}

func createTLSConfig(insecureMode bool, caCertFile string) (*tls.Config, error) {
	if insecureMode {
		slog.Warn("Running in insecure mode. This should not be used in production!")
		return &tls.Config{InsecureSkipVerify: true}, nil
	}
	if caCertFile == "" {
		return nil, nil
	}

	certPEM, err := os.ReadFile(caCertFile)
	if err != nil {
		return nil, err
	}

	certPool := x509.NewCertPool()
	if !certPool.AppendCertsFromPEM(certPEM) {
		return nil, fmt.Errorf("failed to append CA certificate")
	}

	return &tls.Config{
		RootCAs: certPool,
	}, nil
}
