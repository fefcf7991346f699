package dispatcher

import (
	"context"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/BlackRoad-OS/blackroad-cron/internal/domain"
)

// DefaultTimeout bounds an attempt whose request carries no timeout.
const DefaultTimeout = 30 * time.Second

// DefaultMaxResponseBytes is how much of a response body is kept.
const DefaultMaxResponseBytes = 1024

// Request headers set on every attempt.
const (
	HeaderJobID       = "X-Cron-Job-ID"
	HeaderExecutionID = "X-Cron-Execution-ID"
	HeaderAttempt     = "X-Cron-Attempt"
	HeaderAttemptID   = "X-Cron-Attempt-ID"
)

type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    string
	Timeout time.Duration

	JobID       string
	ExecutionID string
	AttemptID   string
	Attempt     int
}

type Result struct {
	StatusCode int
	Body       string
	Error      error
	Duration   time.Duration
}

type HTTPSender struct {
	client   *http.Client
	maxBytes int
}

func NewHTTPSender(maxResponseBytes int) *HTTPSender {
	if maxResponseBytes <= 0 {
		maxResponseBytes = DefaultMaxResponseBytes
	}
	return &HTTPSender{
		client:   &http.Client{},
		maxBytes: maxResponseBytes,
	}
}

// WithClient replaces the underlying HTTP client.
func (s *HTTPSender) WithClient(c *http.Client) *HTTPSender {
	s.client = c
	return s
}

// Send issues the request bounded by req.Timeout. Errors are always
// *domain.DispatchError.
func (s *HTTPSender) Send(ctx context.Context, req Request) Result {
	start := time.Now()

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if req.Body != "" {
		body = strings.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(attemptCtx, method, req.URL, body)
	if err != nil {
		return Result{
			Error:    &domain.DispatchError{Kind: domain.DispatchConnection, Err: errors.Wrap(err, "create request")},
			Duration: time.Since(start),
		}
	}

	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	if req.Body != "" && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set(HeaderJobID, req.JobID)
	httpReq.Header.Set(HeaderExecutionID, req.ExecutionID)
	httpReq.Header.Set(HeaderAttempt, strconv.Itoa(req.Attempt))
	httpReq.Header.Set(HeaderAttemptID, req.AttemptID)

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return Result{Error: classifyTransportError(ctx, attemptCtx, err), Duration: time.Since(start)}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, int64(s.maxBytes)))
	if err != nil && attemptCtx.Err() != nil {
		return Result{Error: classifyTransportError(ctx, attemptCtx, err), Duration: time.Since(start)}
	}
	// Drain a little more so the connection can be reused.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	return Result{
		StatusCode: resp.StatusCode,
		Body:       strings.ToValidUTF8(string(data), ""),
		Duration:   time.Since(start),
	}
}

func classifyTransportError(parent, attemptCtx context.Context, err error) error {
	switch {
	case parent.Err() != nil:
		return &domain.DispatchError{Kind: domain.DispatchCancelled, Err: parent.Err()}
	case errors.Is(attemptCtx.Err(), context.DeadlineExceeded):
		return &domain.DispatchError{Kind: domain.DispatchTimeout, Err: context.DeadlineExceeded}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &domain.DispatchError{Kind: domain.DispatchTimeout, Err: err}
	}
	return &domain.DispatchError{Kind: domain.DispatchConnection, Err: err}
}
