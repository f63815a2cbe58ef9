package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"rentalhub-sale-api/internal/model"
)

func TestRetryOnVersionConflict(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	other := errors.New("boom")

	tests := []struct {
		name      string
		failures  []error
		opts      []RetryOption
		wantErr   error
		wantCalls int
	}{
		{"succeeds first time", nil, nil, nil, 1},
		{"retries once by default", []error{model.ErrVersionConflict}, nil, nil, 2},
		{"surfaces a second conflict", []error{model.ErrVersionConflict, model.ErrVersionConflict}, nil, model.ErrVersionConflict, 2},
		{"other errors fail fast", []error{other}, nil, other, 1},
		{"more attempts", []error{model.ErrVersionConflict, model.ErrVersionConflict}, []RetryOption{WithMaxAttempts(3)}, nil, 3},
		{"invalid attempts", nil, []RetryOption{WithMaxAttempts(0)}, ErrInvalidMaxAttempts, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			opts := append([]RetryOption{WithBaseDelay(time.Millisecond)}, tt.opts...)
			err := retryOnVersionConflict(ctx, func(context.Context) error {
				calls++
				if calls <= len(tt.failures) {
					return tt.failures[calls-1]
				}
				return nil
			}, opts...)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.wantCalls, calls)
		})
	}
}

func TestRetryOnVersionConflict_ContextCancelled(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := retryOnVersionConflict(ctx, func(context.Context) error {
		return model.ErrVersionConflict
	}, WithBaseDelay(time.Second))
	assert.ErrorIs(t, err, context.Canceled)
}
