package handler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBodyValidatorPositiveAmount(t *testing.T) {
	t.Parallel()

	type body struct {
		Amount string `json:"amount" validate:"positive_amount"`
	}

	vld := bodyValidator()
	require.NotNil(t, vld)

	tests := []struct {
		amount string
		valid  bool
	}{
		{"", true},
		{"10", true},
		{"0.01", true},
		{"0", false},
		{"-3", false},
		{"ten", false},
	}
	for _, tt := range tests {
		t.Run(tt.amount, func(t *testing.T) {
			err := vld.Struct(body{Amount: tt.amount})
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}
