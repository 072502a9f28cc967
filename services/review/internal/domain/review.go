package domain

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	apperrors "github.com/campusmart/marketplace/pkg/errors"
)

// Rating scale and text bounds.
const (
	MinRating       = 1
	MaxRating       = 5
	MaxTitleRunes   = 100
	MaxContentRunes = 2000
)

// Review is one author's rating of one subject. At most one exists per
// (subject type, subject id, author).
type Review struct {
	ID           string      `json:"id"`
	SubjectType  SubjectType `json:"subject_type"`
	SubjectID    string      `json:"subject_id"`
	AuthorID     string      `json:"author_id"`
	Rating       int         `json:"rating"`
	Title        string      `json:"title"`
	Content      string      `json:"content"`
	HelpfulCount int         `json:"helpful_count"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

func (r *Review) Subject() SubjectKey {
	return SubjectKey{Type: r.SubjectType, ID: r.SubjectID}
}

// ReviewPatch carries the mutable fields of an update; nil means unchanged.
type ReviewPatch struct {
	Rating  *int
	Title   *string
	Content *string
}

func (p ReviewPatch) Empty() bool {
	return p.Rating == nil && p.Title == nil && p.Content == nil
}

// Validate checks the supplied fields without touching a review.
func (p ReviewPatch) Validate() error {
	if p.Empty() {
		return apperrors.InvalidInput("at least one of rating, title or content must be provided")
	}
	if p.Rating != nil {
		if err := ValidateRating(*p.Rating); err != nil {
			return err
		}
	}
	if p.Title != nil {
		if err := validateText("title", *p.Title, MaxTitleRunes); err != nil {
			return err
		}
	}
	if p.Content != nil {
		if err := validateText("content", *p.Content, MaxContentRunes); err != nil {
			return err
		}
	}
	return nil
}

// Apply copies the supplied fields onto r. It reports whether the rating
// changed, which is the only edit that moves the subject aggregate.
func (p ReviewPatch) Apply(r *Review, now time.Time) (ratingChanged bool) {
	if p.Rating != nil && *p.Rating != r.Rating {
		r.Rating = *p.Rating
		ratingChanged = true
	}
	if p.Title != nil {
		r.Title = strings.TrimSpace(*p.Title)
	}
	if p.Content != nil {
		r.Content = strings.TrimSpace(*p.Content)
	}
	r.UpdatedAt = now
	return ratingChanged
}

// Validate checks every invariant of a review about to be stored.
func (r *Review) Validate() error {
	if err := r.Subject().Validate(); err != nil {
		return err
	}
	if err := ValidateUserID("author id", r.AuthorID); err != nil {
		return err
	}
	if err := ValidateRating(r.Rating); err != nil {
		return err
	}
	if err := validateText("title", r.Title, MaxTitleRunes); err != nil {
		return err
	}
	return validateText("content", r.Content, MaxContentRunes)
}

// MaxUserIDLength bounds author and voter ids forwarded by the gateway.
const MaxUserIDLength = 64

// ValidateUserID checks a caller id used as author or voter.
func ValidateUserID(field, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return apperrors.InvalidInput(field + " is required")
	}
	if len(id) > MaxUserIDLength {
		return apperrors.InvalidInput(fmt.Sprintf("%s must be at most %d characters", field, MaxUserIDLength))
	}
	return nil
}

func ValidateRating(rating int) error {
	if rating < MinRating || rating > MaxRating {
		return apperrors.InvalidInput(fmt.Sprintf("rating must be between %d and %d", MinRating, MaxRating))
	}
	return nil
}

func validateText(field, value string, maxRunes int) error {
	if n := utf8.RuneCountInString(strings.TrimSpace(value)); n > maxRunes {
		return apperrors.InvalidInput(fmt.Sprintf("%s must be at most %d characters, got %d", field, maxRunes, n))
	}
	return nil
}

// HelpfulMark records that a voter found a review useful. Marks are never
// withdrawn; they disappear only with their review.
type HelpfulMark struct {
	ReviewID  string    `json:"review_id"`
	VoterID   string    `json:"voter_id"`
	CreatedAt time.Time `json:"created_at"`
}

// ReviewSort orders review listings.
type ReviewSort string

const (
	SortNewest  ReviewSort = "newest"
	SortOldest  ReviewSort = "oldest"
	SortHighest ReviewSort = "highest"
	SortLowest  ReviewSort = "lowest"
	SortHelpful ReviewSort = "helpful"
)

// ReviewSorts lists accepted sort keys, default first.
func ReviewSorts() []string {
	return []string{string(SortNewest), string(SortOldest), string(SortHighest), string(SortLowest), string(SortHelpful)}
}
