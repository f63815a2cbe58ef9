package apierror

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rentalhub-sale-api/internal/model"
)

func TestFromError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"validation", model.ValidationErrorf("sale price must be positive"), http.StatusBadRequest, "VALIDATION_ERROR"},
		{"conflict", fmt.Errorf("create: %w", model.ErrConflict), http.StatusConflict, "CONFLICT"},
		{"invalid state", model.InvalidStateErrorf("transition t1 is COMPLETED"), http.StatusUnprocessableEntity, "BUSINESS_RULE_VIOLATION"},
		{"not found", fmt.Errorf("get transition: %w", model.ErrNotFound), http.StatusNotFound, "NOT_FOUND"},
		{"rollback unavailable", model.RollbackUnavailableErrorf("checkpoint used"), http.StatusConflict, "ROLLBACK_UNAVAILABLE"},
		{"api error passes through", Unauthorized(""), http.StatusUnauthorized, "UNAUTHORIZED"},
		{"unknown", errors.New("disk on fire"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := FromError(tt.err)
			assert.Equal(t, tt.wantStatus, got.StatusCode)
			assert.Equal(t, tt.wantCode, got.Code)
		})
	}
}

func TestFromErrorHidesInternalMessages(t *testing.T) {
	t.Parallel()
	got := FromError(errors.New("pq: password authentication failed"))
	assert.Equal(t, "An unexpected error occurred", got.Message)
}

func TestToJSON(t *testing.T) {
	t.Parallel()
	e := ValidationError("request validation failed", FieldError{Field: "item_id", Message: "is required"})

	var body struct {
		Success bool `json:"success"`
		Error   struct {
			Code    string       `json:"code"`
			Message string       `json:"message"`
			Details []FieldError `json:"details"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(e.ToJSON(), &body))
	assert.False(t, body.Success)
	assert.Equal(t, "VALIDATION_ERROR", body.Error.Code)
	assert.Equal(t, []FieldError{{Field: "item_id", Message: "is required"}}, body.Error.Details)
}
