package bluesky

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
)

// maxResponseBytes caps how much of an XRPC response is read.
const maxResponseBytes = 4 << 20

// XRPCError is the error envelope returned by XRPC endpoints.
type XRPCError struct {
	StatusCode int    `json:"-"`
	Name       string `json:"error"`
	Message    string `json:"message"`
}

func (e *XRPCError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("xrpc %d %s: %s", e.StatusCode, e.Name, e.Message)
	}
	return fmt.Sprintf("xrpc %d %s", e.StatusCode, e.Name)
}

// IsExpiredToken reports whether err says the access token has expired.
func IsExpiredToken(err error) bool {
	var xe *XRPCError
	return errors.As(err, &xe) && xe.Name == "ExpiredToken"
}

// IsAuthError reports whether err is an authentication or authorization failure.
func IsAuthError(err error) bool {
	var xe *XRPCError
	if !errors.As(err, &xe) {
		return false
	}
	switch xe.Name {
	case "AuthenticationRequired", "InvalidToken", "ExpiredToken", "AccountTakedown":
		return true
	}
	return xe.StatusCode == http.StatusUnauthorized
}

// request describes a single XRPC call.
type request struct {
	method      string
	nsid        string
	token       string
	params      url.Values
	body        []byte
	contentType string
}

// jsonBody encodes v as an XRPC JSON input.
func jsonBody(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}
	return b, nil
}

// do performs req against the service and decodes the JSON output into out
// (which may be nil).
func (c *Client) do(ctx context.Context, req request, out any) error {
	endpoint := strings.TrimRight(c.service, "/") + "/xrpc/" + req.nsid
	if len(req.params) > 0 {
		endpoint += "?" + req.params.Encode()
	}

	var body io.Reader
	if req.body != nil {
		body = bytes.NewReader(req.body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.method, endpoint, body)
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", req.nsid, err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if req.body != nil {
		contentType := req.contentType
		if contentType == "" {
			contentType = "application/json"
		}
		httpReq.Header.Set("Content-Type", contentType)
	}
	if req.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.token)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", req.nsid, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("failed to read %s response: %w", req.nsid, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		xe := &XRPCError{StatusCode: resp.StatusCode}
		if jsonErr := json.Unmarshal(respBody, xe); jsonErr != nil || xe.Name == "" {
			xe.Name = http.StatusText(resp.StatusCode)
		}
		return xe
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", req.nsid, err)
	}
	return nil
}
