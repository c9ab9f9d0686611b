package detector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"strings"
	"time"
)

// Sentinel errors for detection API failures.
var (
	ErrUnreachable       = errors.New("detector unreachable")
	ErrTimeout           = errors.New("detector timeout")
	ErrRejected          = errors.New("detector rejected request")
	ErrMalformedResponse = errors.New("malformed detector response")
)

// IsTransient reports whether a Detect error is worth retrying on a later run.
// Transport failures and API-level rejections are transient; a success payload
// that cannot be interpreted is not.
func IsTransient(err error) bool {
	return errors.Is(err, ErrUnreachable) || errors.Is(err, ErrTimeout) || errors.Is(err, ErrRejected)
}

// APIError is a rejection reported by the detection API, either through the
// HTTP status or through the success/code fields of the body.
type APIError struct {
	StatusCode int
	Code       int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	code := e.Code
	if code == 0 {
		code = e.StatusCode
	}
	return fmt.Sprintf("API returned code %d", code)
}

func (e *APIError) Unwrap() error { return ErrRejected }

// Client runs AI-content detection on a piece of text using one account's token.
type Client interface {
	Detect(ctx context.Context, bearerToken, text string) (*Result, error)
}

// Result is a successful detection.
type Result struct {
	FakePercentage float64
	TextWords      *int
	// Raw is the complete response body, stored verbatim on the job.
	Raw json.RawMessage
	// Data is the response's data object, stored on the scan.
	Data json.RawMessage
}

// Score is the detection percentage rounded half away from zero.
func (r *Result) Score() int {
	return int(math.Round(r.FakePercentage))
}

const detectPath = "/api/detect/detectText"

// HTTPClient implements Client against the ZeroGPT HTTP API.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient creates a detection client. A zero timeout disables the
// per-request deadline; the caller's context still applies.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

type detectRequest struct {
	InputText string `json:"input_text"`
}

type detectResponse struct {
	Success bool            `json:"success"`
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type detectData struct {
	FakePercentage *float64 `json:"fakePercentage"`
	TextWords      *int     `json:"textWords"`
}

func (c *HTTPClient) Detect(ctx context.Context, bearerToken, text string) (*Result, error) {
	body, err := json.Marshal(detectRequest{InputText: text})
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+detectPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+bearerToken)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/plain, */*")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, classifyError(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, classifyError(err)
	}

	var dr detectResponse
	decodeErr := json.Unmarshal(raw, &dr)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if decodeErr == nil {
			apiErr.Code = dr.Code
			apiErr.Message = dr.Message
		}
		return nil, apiErr
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, decodeErr)
	}
	if !dr.Success || dr.Code != http.StatusOK {
		return nil, &APIError{StatusCode: resp.StatusCode, Code: dr.Code, Message: dr.Message}
	}

	if len(dr.Data) == 0 || string(dr.Data) == "null" {
		return nil, fmt.Errorf("%w: missing data", ErrMalformedResponse)
	}
	var data detectData
	if err := json.Unmarshal(dr.Data, &data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if data.FakePercentage == nil {
		return nil, fmt.Errorf("%w: missing fakePercentage", ErrMalformedResponse)
	}

	return &Result{
		FakePercentage: *data.FakePercentage,
		TextWords:      data.TextWords,
		Raw:            raw,
		Data:           dr.Data,
	}, nil
}

// classifyError maps transport-level errors to sentinel errors. A cancelled
// caller context is passed through as-is; it says nothing about the API.
func classifyError(err error) error {
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("detect cancelled: %w", err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	return fmt.Errorf("%w: %v", ErrUnreachable, err)
}
