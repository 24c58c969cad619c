package provider

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"batchgen/internal/domain"
	"batchgen/internal/infra"
)

// Options configures the generation provider client.
type Options struct {
	APIKey       string
	BaseURL      string
	Model        string
	PollInterval time.Duration
	HTTPClient   *http.Client
	Logger       *infra.Logger
}

// Client performs HTTP calls against the external generation API: one submit
// request per item followed by polling the returned operation until it
// reports a terminal status. Without an API key the client produces
// deterministic synthetic artifacts so the service stays operational in
// local and CI environments.
type Client struct {
	apiKey       string
	baseURL      string
	model        string
	pollInterval time.Duration
	httpClient   *http.Client
	logger       *infra.Logger
}

type submitRequest struct {
	Model       string `json:"model"`
	SourceRef   string `json:"source_ref"`
	Detail      string `json:"detail,omitempty"`
	AspectRatio string `json:"aspect_ratio,omitempty"`
	RequestID   string `json:"request_id,omitempty"`
}

type operationResponse struct {
	OperationID string `json:"operation_id"`
	Status      string `json:"status"`
	Percent     int    `json:"percent"`
	ArtifactURL string `json:"artifact_url"`
	Error       struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewClient constructs a client with sane defaults and injected dependencies.
func NewClient(opts Options) (*Client, error) {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 45 * time.Second}
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.generation.example.com/v1"
	}
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = "render-large"
	}
	pollInterval := opts.PollInterval
	if pollInterval <= 0 {
		pollInterval = 1500 * time.Millisecond
	}
	var logger *infra.Logger
	if opts.Logger != nil {
		logger = opts.Logger
	} else {
		discard := zerolog.New(io.Discard)
		l := infra.Logger(discard)
		logger = &l
	}
	return &Client{
		apiKey:       strings.TrimSpace(opts.APIKey),
		baseURL:      baseURL,
		model:        model,
		pollInterval: pollInterval,
		httpClient:   httpClient,
		logger:       logger,
	}, nil
}

// Model returns the configured model identifier.
func (c *Client) Model() string {
	return c.model
}

// HasCredentials reports whether the client can perform remote calls.
func (c *Client) HasCredentials() bool {
	return c.apiKey != ""
}

// Generate submits one item and awaits its completion, forwarding
// intermediate percentages to sink. The caller bounds the overall call with
// ctx; per-request network timeouts come from the injected http.Client.
func (c *Client) Generate(ctx context.Context, req Request, sink ProgressSink) Outcome {
	if strings.TrimSpace(req.SourceRef) == "" {
		return Failure(domain.CategoryPermanent, "source_ref is required")
	}
	if !c.HasCredentials() {
		return c.synthetic(ctx, req, sink)
	}

	op, outcome, ok := c.submit(ctx, req)
	if !ok {
		return outcome
	}
	if op.OperationID != "" {
		return c.await(ctx, op, sink)
	}
	// Synchronous completion path.
	out := c.interpret(op)
	if !out.OK && out.Category == "" {
		return Failure(domain.CategoryTransient, "provider returned neither operation nor result")
	}
	return out
}

func (c *Client) submit(ctx context.Context, req Request) (operationResponse, Outcome, bool) {
	payload := submitRequest{
		Model:       c.model,
		SourceRef:   req.SourceRef,
		Detail:      req.Detail,
		AspectRatio: req.AspectRatio,
		RequestID:   req.JobID + "/" + req.ItemID,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return operationResponse{}, Failure(domain.CategoryInternal, fmt.Sprintf("encode request: %v", err)), false
	}
	op, outcome, ok := c.do(ctx, http.MethodPost, c.baseURL+"/generations", bytes.NewReader(body))
	if !ok {
		return operationResponse{}, outcome, false
	}
	return op, Outcome{}, true
}

func (c *Client) await(ctx context.Context, op operationResponse, sink ProgressSink) Outcome {
	c.forward(sink, op.Percent)
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		if out := c.interpret(op); out.OK || out.Category != "" {
			return out
		}
		select {
		case <-ctx.Done():
			return Failure(domain.CategoryTransient, "operation timed out: "+ctx.Err().Error())
		case <-ticker.C:
		}

		next, outcome, ok := c.do(ctx, http.MethodGet, c.baseURL+"/generations/"+op.OperationID, nil)
		if !ok {
			return outcome
		}
		next.OperationID = op.OperationID
		op = next
		c.forward(sink, op.Percent)
	}
}

// interpret maps a terminal operation payload to an outcome; a zero Outcome
// means the operation is still running.
func (c *Client) interpret(op operationResponse) Outcome {
	switch op.Status {
	case "succeeded":
		if op.ArtifactURL == "" {
			return Failure(domain.CategoryTransient, "provider returned success without artifact")
		}
		return Success(op.ArtifactURL)
	case "failed":
		return Failure(classifyCode(op.Error.Code), op.Error.Message)
	default:
		return Outcome{}
	}
}

func (c *Client) do(ctx context.Context, method, url string, body io.Reader) (operationResponse, Outcome, bool) {
	httpReq, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return operationResponse{}, Failure(domain.CategoryInternal, fmt.Sprintf("build request: %v", err)), false
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return operationResponse{}, classifyTransport(ctx, err), false
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return operationResponse{}, Failure(domain.CategoryTransient, fmt.Sprintf("read response: %v", err)), false
	}

	if resp.StatusCode >= 300 {
		return operationResponse{}, classifyStatus(resp, raw), false
	}

	var decoded operationResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return operationResponse{}, Failure(domain.CategoryTransient, fmt.Sprintf("decode response: %v", err)), false
	}
	return decoded, Outcome{}, true
}

func (c *Client) forward(sink ProgressSink, percent int) {
	if sink == nil {
		return
	}
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	sink(percent)
}

// synthetic emits a deterministic artifact without touching the network,
// mirroring the real call's progress shape.
func (c *Client) synthetic(ctx context.Context, req Request, sink ProgressSink) Outcome {
	for _, percent := range []int{25, 50, 75} {
		select {
		case <-ctx.Done():
			return Failure(domain.CategoryTransient, "operation timed out: "+ctx.Err().Error())
		case <-time.After(10 * time.Millisecond):
		}
		c.forward(sink, percent)
	}
	sum := sha256.Sum256([]byte(req.JobID + "/" + req.ItemID + "/" + req.SourceRef))
	key := hex.EncodeToString(sum[:8])
	c.logger.Debug().
		Str("job_id", req.JobID).
		Str("item_id", req.ItemID).
		Msg("provider: synthetic artifact generated")
	return Success(fmt.Sprintf("https://cdn.example.com/synthetic/%s/%s.png", c.model, key))
}

func classifyStatus(resp *http.Response, raw []byte) Outcome {
	message := strings.TrimSpace(string(raw))
	var detail errorResponse
	if err := json.Unmarshal(raw, &detail); err == nil && detail.Message != "" {
		message = detail.Message
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		out := Failure(domain.CategoryRateLimited, message)
		out.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
		return out
	case resp.StatusCode == http.StatusUnauthorized,
		resp.StatusCode == http.StatusForbidden,
		resp.StatusCode == http.StatusUnprocessableEntity,
		resp.StatusCode == http.StatusBadRequest:
		return Failure(domain.CategoryPermanent, message)
	case resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode >= 500:
		return Failure(domain.CategoryTransient, message)
	default:
		// Unclassifiable statuses default to transient; the bounded attempt
		// budget prevents an infinite retry loop.
		return Failure(domain.CategoryTransient, fmt.Sprintf("status %d: %s", resp.StatusCode, message))
	}
}

func classifyTransport(ctx context.Context, err error) Outcome {
	if ctx.Err() != nil {
		return Failure(domain.CategoryTransient, "operation timed out: "+ctx.Err().Error())
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Failure(domain.CategoryTransient, "request timeout: "+err.Error())
	}
	return Failure(domain.CategoryTransient, "http request: "+err.Error())
}

func classifyCode(code string) domain.Category {
	switch strings.ToLower(strings.TrimSpace(code)) {
	case "rate_limited", "throttled":
		return domain.CategoryRateLimited
	case "invalid_input", "content_rejected", "unauthorized", "quota_exhausted":
		return domain.CategoryPermanent
	default:
		return domain.CategoryTransient
	}
}

func parseRetryAfter(value string) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

var _ Generator = (*Client)(nil)
