package metrics

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/BlackRoad-OS/blackroad-cron/internal/domain"
)

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		err        error
		want       string
	}{
		// Responses
		{"200 OK", 200, nil, StatusClass2xx},
		{"204 No Content", 204, nil, StatusClass2xx},
		{"302 redirect", 302, nil, StatusClass3xx},
		{"404 Not Found", 404, nil, StatusClass4xx},
		{"429 Rate Limit", 429, nil, StatusClass4xx},
		{"500 Internal Server Error", 500, nil, StatusClass5xx},
		{"503 Service Unavailable", 503, nil, StatusClass5xx},
		{"100 continue", 100, nil, StatusClassOtherError},

		// Typed dispatch errors
		{"timeout", 0, &domain.DispatchError{Kind: domain.DispatchTimeout}, StatusClassTimeout},
		{"connection", 0, &domain.DispatchError{Kind: domain.DispatchConnection}, StatusClassConnectionError},
		{"server", 502, &domain.DispatchError{Kind: domain.DispatchServer, StatusCode: 502}, StatusClass5xx},
		{"circuit open", 0, &domain.DispatchError{Kind: domain.DispatchCircuitOpen}, StatusClassCircuitOpen},
		{"cancelled", 0, &domain.DispatchError{Kind: domain.DispatchCancelled}, StatusClassCancelled},
		{"client error", 404, &domain.TerminalClientError{StatusCode: 404}, StatusClass4xx},
		{"wrapped timeout", 0, fmt.Errorf("attempt 2: %w", &domain.DispatchError{Kind: domain.DispatchTimeout}), StatusClassTimeout},

		// Untyped errors
		{"deadline", 0, context.DeadlineExceeded, StatusClassTimeout},
		{"canceled", 0, context.Canceled, StatusClassCancelled},
		{"other", 0, errors.New("marshal failed"), StatusClassOtherError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyStatus(tt.statusCode, tt.err); got != tt.want {
				t.Errorf("ClassifyStatus(%d, %v) = %q, want %q", tt.statusCode, tt.err, got, tt.want)
			}
		})
	}
}
