package services

import "testing"

func TestNewRedisService_FailureIsRetryable(t *testing.T) {
	// An unparseable URL fails before any network I/O
	if _, err := NewRedisService("not-a-redis-url"); err == nil {
		t.Fatal("expected error for malformed Redis URL")
	}

	// The failed attempt must not poison later calls into (nil, nil)
	svc, err := NewRedisService("also%%bad")
	if err == nil {
		t.Fatal("second attempt must surface its own error, not a cached nil")
	}
	if svc != nil {
		t.Error("no service may be returned alongside the error")
	}
}
