package validator

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type reviewBody struct {
	Rating  int     `json:"rating" validate:"required,gte=1,lte=5"`
	Title   string  `json:"title" validate:"max=10"`
	Content string  `json:"content" validate:"max=20"`
	Sort    *string `json:"sort,omitempty" validate:"omitempty,oneof=newest oldest"`
}

func TestValidate_Valid(t *testing.T) {
	require.NoError(t, Validate(reviewBody{Rating: 4, Title: "nice"}))
}

func TestValidate_FieldErrorsUseJSONNames(t *testing.T) {
	err := Validate(reviewBody{Rating: 9, Title: strings.Repeat("a", 11)})

	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	fields := ve.Fields()
	assert.Equal(t, "must be less than or equal to 5", fields["rating"])
	assert.Equal(t, "must be at most 10 characters", fields["title"])
}

func TestValidate_MaxCountsRunes(t *testing.T) {
	require.NoError(t, Validate(reviewBody{Rating: 3, Title: strings.Repeat("é", 10)}))
}

func TestValidate_Required(t *testing.T) {
	err := Validate(reviewBody{})
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "is required", ve.Fields()["rating"])
	assert.Contains(t, ve.Error(), "field 'rating' is required")
}

func TestValidate_OneOf(t *testing.T) {
	sort := "random"
	err := Validate(reviewBody{Rating: 1, Sort: &sort})
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "must be one of: newest oldest", ve.Fields()["sort"])
}

func TestDecodeAndValidate(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{"valid", `{"rating":5,"title":"great"}`, ""},
		{"malformed", `{"rating":`, "decode request body"},
		{"unknown field", `{"rating":5,"author_id":"x"}`, "unknown field"},
		{"trailing data", `{"rating":5}{"rating":4}`, "trailing data"},
		{"invalid", `{"rating":0}`, "field 'rating'"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/", strings.NewReader(tt.body))
			var dst reviewBody
			err := DecodeAndValidate(req, &dst)
			if tt.wantErr == "" {
				require.NoError(t, err)
				assert.Equal(t, 5, dst.Rating)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
