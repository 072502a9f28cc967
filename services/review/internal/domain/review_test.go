package domain

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/campusmart/marketplace/pkg/errors"
)

func ptr[T any](v T) *T { return &v }

func validReview() Review {
	return Review{
		ID:          "r1",
		SubjectType: SubjectProduct,
		SubjectID:   "p1",
		AuthorID:    "u1",
		Rating:      4,
		Title:       "Solid",
		Content:     "Good value for the price.",
	}
}

func TestReview_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(r *Review)
		ok     bool
	}{
		{"valid", func(*Review) {}, true},
		{"rating low", func(r *Review) { r.Rating = 0 }, false},
		{"rating high", func(r *Review) { r.Rating = 6 }, false},
		{"unknown subject type", func(r *Review) { r.SubjectType = "document" }, false},
		{"empty subject", func(r *Review) { r.SubjectID = "" }, false},
		{"empty author", func(r *Review) { r.AuthorID = " " }, false},
		{"author at bound", func(r *Review) { r.AuthorID = strings.Repeat("a", MaxUserIDLength) }, true},
		{"author over bound", func(r *Review) { r.AuthorID = strings.Repeat("a", MaxUserIDLength+1) }, false},
		{"title at bound", func(r *Review) { r.Title = strings.Repeat("ü", MaxTitleRunes) }, true},
		{"title over bound", func(r *Review) { r.Title = strings.Repeat("a", MaxTitleRunes+1) }, false},
		{"content over bound", func(r *Review) { r.Content = strings.Repeat("a", MaxContentRunes+1) }, false},
		{"empty text allowed", func(r *Review) { r.Title, r.Content = "", "" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := validReview()
			tt.mutate(&r)
			err := r.Validate()
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
		})
	}
}

func TestReviewPatch(t *testing.T) {
	assert.ErrorIs(t, ReviewPatch{}.Validate(), apperrors.ErrInvalidInput)
	assert.ErrorIs(t, ReviewPatch{Rating: ptr(9)}.Validate(), apperrors.ErrInvalidInput)
	assert.ErrorIs(t, ReviewPatch{Title: ptr(strings.Repeat("x", 101))}.Validate(), apperrors.ErrInvalidInput)
	require.NoError(t, ReviewPatch{Content: ptr("edited")}.Validate())

	r := validReview()
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	changed := ReviewPatch{Rating: ptr(4), Title: ptr("  Still solid  ")}.Apply(&r, now)
	assert.False(t, changed, "same rating is not a change")
	assert.Equal(t, "Still solid", r.Title)
	assert.Equal(t, now, r.UpdatedAt)

	changed = ReviewPatch{Rating: ptr(1)}.Apply(&r, now)
	assert.True(t, changed)
	assert.Equal(t, 1, r.Rating)
	assert.Equal(t, "Still solid", r.Title)
}

func TestNewSubjectKey(t *testing.T) {
	key, err := NewSubjectKey(" Hostel ", " h-12 ")
	require.NoError(t, err)
	assert.Equal(t, SubjectKey{Type: SubjectHostel, ID: "h-12"}, key)
	assert.Equal(t, "hostel:h-12", key.String())

	_, err = NewSubjectKey("event", "e1")
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
	_, err = NewSubjectKey("shop", "")
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
	_, err = NewSubjectKey("shop", strings.Repeat("x", MaxSubjectIDLength+1))
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
}

func TestBaselines(t *testing.T) {
	b := Baselines{SubjectShop: 4.0}
	assert.Equal(t, 4.0, b.For(SubjectShop))
	assert.Equal(t, DefaultBaseline, b.For(SubjectHostel))
	require.NoError(t, b.Validate())
	assert.Error(t, Baselines{SubjectService: 0.5}.Validate())

	require.NoError(t, Baselines{SubjectShop: 4.6, SubjectHostel: 1.1, SubjectProduct: 5}.Validate())
	err := Baselines{SubjectShop: 4.55}.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at most one decimal")
}
