package domain

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsIdempotencyConflict(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "already exists", err: ErrIdempotencyKeyAlreadyExists, want: true},
		{name: "hash mismatch", err: ErrIdempotencyHashMismatch, want: true},
		{name: "wrapped mismatch", err: fmt.Errorf("create: %w", ErrIdempotencyHashMismatch), want: true},
		{name: "order key taken is not a request conflict", err: ErrIdempotencyKeyTaken, want: false},
		{name: "other error", err: errors.New("boom"), want: false},
		{name: "nil error", err: nil, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsIdempotencyConflict(tt.err); got != tt.want {
				t.Errorf("IsIdempotencyConflict() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsNotFound(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "order", err: ErrOrderNotFound, want: true},
		{name: "unit", err: fmt.Errorf("ledger: %w", ErrUnitNotFound), want: true},
		{name: "payment", err: ErrPaymentNotFound, want: true},
		{name: "idempotency", err: ErrIdempotencyKeyNotFound, want: true},
		{name: "conflict", err: ErrUnitConflict, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsNotFound(tt.err); got != tt.want {
				t.Errorf("IsNotFound() = %v, want %v", got, tt.want)
			}
		})
	}
}
