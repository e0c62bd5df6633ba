package domain

import (
	"errors"
	"testing"
	"time"
)

func TestIdempotencyStatusValid(t *testing.T) {
	tests := []struct {
		name   string
		status IdempotencyStatus
		want   bool
	}{
		{name: "processing", status: IdempotencyStatusProcessing, want: true},
		{name: "done", status: IdempotencyStatusDone, want: true},
		{name: "failed", status: IdempotencyStatusFailed, want: true},
		{name: "invalid", status: IdempotencyStatus("broken"), want: false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.status.Valid(); got != tc.want {
				t.Fatalf("status %q valid=%v, want %v", tc.status, got, tc.want)
			}
		})
	}
}

func TestIdempotencyRecordExpiredAndReplayable(t *testing.T) {
	now := time.Now().UTC()
	rec := IdempotencyRecord{Status: IdempotencyStatusProcessing, TTLAt: now.Add(time.Minute)}

	if rec.Expired(now) {
		t.Fatal("record must not be expired before ttl")
	}
	if !rec.Expired(now.Add(time.Minute)) {
		t.Fatal("record must be expired at ttl")
	}
	if rec.Replayable() {
		t.Fatal("processing record must not be replayable")
	}
	rec.Status = IdempotencyStatusFailed
	if !rec.Replayable() {
		t.Fatal("failed record keeps its response and must be replayable")
	}
}

func TestNormalizeIdempotencyKey(t *testing.T) {
	key, hash, err := NormalizeIdempotencyKey("  pay-order-1 ", " abc ")
	if err != nil || key != "pay-order-1" || hash != "abc" {
		t.Fatalf("got (%q, %q, %v)", key, hash, err)
	}
	if _, _, err := NormalizeIdempotencyKey(" ", "abc"); !errors.Is(err, ErrIdempotencyKeyRequired) {
		t.Fatalf("blank key: %v", err)
	}
	if _, _, err := NormalizeIdempotencyKey("pay-order-1", ""); !errors.Is(err, ErrIdempotencyRequestHashRequired) {
		t.Fatalf("blank hash: %v", err)
	}
}
