package domain_test

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/smallbiznis/numera/internal/billingsync/domain"
)

func TestBackoffDelay(t *testing.T) {
	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{1, 30 * time.Second},
		{2, 60 * time.Second},
		{3, 5 * time.Minute},
		{4, 15 * time.Minute},
		{5, time.Hour},
		// out-of-range inputs clamp to the schedule
		{0, 30 * time.Second},
		{-1, 30 * time.Second},
		{6, time.Hour},
		{100, time.Hour},
	}
	for _, tt := range tests {
		if got := domain.BackoffDelay(tt.attempts); got != tt.want {
			t.Fatalf("BackoffDelay(%d) = %v, want %v", tt.attempts, got, tt.want)
		}
	}
}

func TestAPIErrorRetryable(t *testing.T) {
	tests := []struct {
		status int
		want   bool
	}{
		{500, true},
		{502, true},
		{503, true},
		{429, true},
		{400, false},
		{401, false},
		{404, false},
		{422, false},
	}
	for _, tt := range tests {
		err := &domain.APIError{StatusCode: tt.status}
		if got := err.Retryable(); got != tt.want {
			t.Fatalf("Retryable(%d) = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestIsRetryable(t *testing.T) {
	if !domain.IsRetryable(errors.New("connection refused")) {
		t.Fatal("transport errors should be retryable")
	}
	if domain.IsRetryable(&domain.APIError{StatusCode: 422, Body: "bad payload"}) {
		t.Fatal("permanent rejections should not be retryable")
	}
	// wrapped API errors are still classified by status
	wrapped := fmt.Errorf("push invoice: %w", &domain.APIError{StatusCode: 503})
	if !domain.IsRetryable(wrapped) {
		t.Fatal("wrapped 503 should be retryable")
	}
}
