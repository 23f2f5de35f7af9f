package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// APIError is a non-200 answer from a policy or environment container,
// with the error detail extracted from whatever format the server spoke.
type APIError struct {
	Status int
	Detail string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("container error (%d): %s", e.Status, e.Detail)
}

// Client is the shared HTTP layer for container communication. Transient
// connection failures are retried with exponential backoff; HTTP errors
// and malformed bodies are not.
type Client struct {
	http        *http.Client
	maxAttempts uint64
}

func NewHTTPClient() *Client {
	return &Client{
		// Per-call timeouts come from the request context.
		http:        &http.Client{},
		maxAttempts: 3,
	}
}

// PostJSON sends body as JSON and decodes the response into out when out
// is non-nil.
func (c *Client) PostJSON(ctx context.Context, url string, body any, timeout time.Duration, out any) error {
	var encoded []byte
	if body != nil {
		var err error
		if encoded, err = json.Marshal(body); err != nil {
			return fmt.Errorf("encode request for %s: %w", url, err)
		}
	}
	return c.do(ctx, http.MethodPost, url, encoded, timeout, out)
}

// GetJSON fetches url and decodes the response into out when out is
// non-nil.
func (c *Client) GetJSON(ctx context.Context, url string, timeout time.Duration, out any) error {
	return c.do(ctx, http.MethodGet, url, nil, timeout, out)
}

func (c *Client) do(ctx context.Context, method, url string, body []byte, timeout time.Duration, out any) error {
	op := func() error {
		reqCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(reqCtx, method, url, reader)
		if err != nil {
			return backoff.Permanent(err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			if isTransient(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("read response from %s: %w", url, err))
		}
		if resp.StatusCode != http.StatusOK {
			return backoff.Permanent(&APIError{Status: resp.StatusCode, Detail: parseErrorBody(data)})
		}
		if out != nil {
			if err := json.Unmarshal(data, out); err != nil {
				return backoff.Permanent(fmt.Errorf("decode response from %s: %w", url, err))
			}
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.Multiplier = 2
	bo.MaxInterval = 30 * time.Second

	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, c.maxAttempts-1), ctx))
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			return apiErr
		}
		return fmt.Errorf("%s %s: %w", method, url, err)
	}
	return nil
}

// isTransient reports whether the request failed at the connection level
// and is worth retrying. Timeouts are deliberately not transient: a
// timed-out step or act may already have been applied by the container,
// so re-posting it could double-apply the action. Timed-out calls fail
// the run instead.
func isTransient(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET)
}

// WaitForReady polls baseURL/health until it answers 200 or timeout
// elapses. Containers can take minutes to come up while models load.
func (c *Client) WaitForReady(ctx context.Context, baseURL string, timeout, interval time.Duration) error {
	deadline := time.Now().Add(timeout)
	healthURL := baseURL + "/health"

	for time.Now().Before(deadline) {
		reqCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, healthURL, nil)
		if err != nil {
			cancel()
			return err
		}
		resp, err := c.http.Do(req)
		cancel()
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
	return fmt.Errorf("container at %s not ready within %s", baseURL, timeout)
}

// parseErrorBody pulls a human-readable message out of an error response.
// FastAPI-style servers answer JSON with a detail field, S3-style
// registries answer XML, and misconfigured proxies answer plain text.
func parseErrorBody(body []byte) string {
	var m map[string]any
	if err := json.Unmarshal(body, &m); err == nil {
		for _, key := range []string{"detail", "error", "message"} {
			if v, ok := m[key].(string); ok && v != "" {
				return v
			}
		}
		return truncate(strings.TrimSpace(string(body)))
	}

	text := strings.TrimSpace(string(body))
	if strings.HasPrefix(text, "<") {
		if msg := parseXMLError(text); msg != "" {
			return msg
		}
	}
	return truncate(text)
}

func parseXMLError(text string) string {
	fields := map[string]string{}
	dec := xml.NewDecoder(strings.NewReader(text))
	var current string
	for {
		tok, err := dec.Token()
		if err != nil {
			break
		}
		switch t := tok.(type) {
		case xml.StartElement:
			current = t.Name.Local
		case xml.CharData:
			val := strings.TrimSpace(string(t))
			if current != "" && val != "" {
				if _, seen := fields[current]; !seen {
					fields[current] = val
				}
			}
		case xml.EndElement:
			current = ""
		}
	}

	for _, tag := range []string{"Message", "message", "Detail", "detail", "Error", "error"} {
		if v := fields[tag]; v != "" {
			return v
		}
	}
	code := firstOf(fields, "Code", "code")
	msg := firstOf(fields, "Message", "message")
	switch {
	case code != "" && msg != "":
		return code + ": " + msg
	case msg != "":
		return msg
	case code != "":
		return code
	}
	return ""
}

func firstOf(m map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := m[k]; v != "" {
			return v
		}
	}
	return ""
}

func truncate(s string) string {
	if len(s) > 500 {
		return s[:500]
	}
	return s
}
