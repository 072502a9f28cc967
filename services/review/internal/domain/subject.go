package domain

import (
	"fmt"
	"math"
	"strings"

	apperrors "github.com/campusmart/marketplace/pkg/errors"
)

// SubjectType is the kind of marketplace entity a review rates.
type SubjectType string

const (
	SubjectShop    SubjectType = "shop"
	SubjectProduct SubjectType = "product"
	SubjectService SubjectType = "service"
	SubjectHostel  SubjectType = "hostel"
)

// SubjectTypes lists every rateable subject type.
func SubjectTypes() []SubjectType {
	return []SubjectType{SubjectShop, SubjectProduct, SubjectService, SubjectHostel}
}

func (t SubjectType) Valid() bool {
	switch t {
	case SubjectShop, SubjectProduct, SubjectService, SubjectHostel:
		return true
	}
	return false
}

// ParseSubjectType accepts the lower-case name, ignoring surrounding
// whitespace and case.
func ParseSubjectType(s string) (SubjectType, error) {
	t := SubjectType(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", apperrors.InvalidInput(fmt.Sprintf("unknown subject type %q", s))
	}
	return t, nil
}

// MaxSubjectIDLength bounds subject identifiers supplied by the catalog.
const MaxSubjectIDLength = 64

// SubjectKey identifies one rated entity.
type SubjectKey struct {
	Type SubjectType `json:"subject_type"`
	ID   string      `json:"subject_id"`
}

func NewSubjectKey(subjectType, subjectID string) (SubjectKey, error) {
	t, err := ParseSubjectType(subjectType)
	if err != nil {
		return SubjectKey{}, err
	}
	key := SubjectKey{Type: t, ID: strings.TrimSpace(subjectID)}
	if err := key.Validate(); err != nil {
		return SubjectKey{}, err
	}
	return key, nil
}

func (k SubjectKey) Validate() error {
	if !k.Type.Valid() {
		return apperrors.InvalidInput(fmt.Sprintf("unknown subject type %q", k.Type))
	}
	if k.ID == "" {
		return apperrors.InvalidInput("subject id is required")
	}
	if len(k.ID) > MaxSubjectIDLength {
		return apperrors.InvalidInput(fmt.Sprintf("subject id must be at most %d characters", MaxSubjectIDLength))
	}
	return nil
}

// String renders "type:id", the form used for cache keys and event keys.
func (k SubjectKey) String() string {
	return string(k.Type) + ":" + k.ID
}

// Baselines holds the average reported for a subject with no reviews, per
// subject type.
type Baselines map[SubjectType]float64

// DefaultBaseline applies to subject types missing from a Baselines map.
const DefaultBaseline = 4.5

func (b Baselines) For(t SubjectType) float64 {
	if v, ok := b[t]; ok {
		return v
	}
	return DefaultBaseline
}

// Validate rejects baselines outside the rating scale and baselines finer
// than one decimal, which the ratings_average column could not hold exactly.
func (b Baselines) Validate() error {
	for t, v := range b {
		if v < MinRating || v > MaxRating {
			return fmt.Errorf("baseline for %s must be within [%d,%d], got %v", t, MinRating, MaxRating, v)
		}
		if tenths := v * 10; math.Abs(tenths-math.Round(tenths)) > 1e-9 {
			return fmt.Errorf("baseline for %s must have at most one decimal, got %v", t, v)
		}
	}
	return nil
}
