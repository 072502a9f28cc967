package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Distribution counts reviews per star value. Index i holds the count for
// i+1 stars, so every bucket from 1 to 5 is always present.
type Distribution [MaxRating]int

// NewDistribution buckets ratings. Values outside the scale are ignored.
func NewDistribution(ratings []int) Distribution {
	var d Distribution
	for _, r := range ratings {
		if r >= MinRating && r <= MaxRating {
			d[r-1]++
		}
	}
	return d
}

// Count returns the number of reviews with the given star value.
func (d Distribution) Count(stars int) int {
	if stars < MinRating || stars > MaxRating {
		return 0
	}
	return d[stars-1]
}

func (d Distribution) Total() int {
	total := 0
	for _, n := range d {
		total += n
	}
	return total
}

// Sum returns the total of all star values.
func (d Distribution) Sum() int {
	sum := 0
	for i, n := range d {
		sum += (i + 1) * n
	}
	return sum
}

// Map returns the distribution keyed by star value.
func (d Distribution) Map() map[int]int {
	m := make(map[int]int, MaxRating)
	for i, n := range d {
		m[i+1] = n
	}
	return m
}

// MarshalJSON encodes {"1":n1,...,"5":n5}.
func (d Distribution) MarshalJSON() ([]byte, error) {
	m := make(map[string]int, MaxRating)
	for i, n := range d {
		m[strconv.Itoa(i+1)] = n
	}
	return json.Marshal(m)
}

func (d *Distribution) UnmarshalJSON(data []byte) error {
	var m map[string]int
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	*d = Distribution{}
	for k, n := range m {
		stars, err := strconv.Atoi(k)
		if err != nil || stars < MinRating || stars > MaxRating {
			return fmt.Errorf("distribution: invalid star key %q", k)
		}
		if n < 0 {
			return fmt.Errorf("distribution: negative count for %d stars", stars)
		}
		d[stars-1] = n
	}
	return nil
}

// SubjectAggregate is the denormalized rating summary of one subject.
type SubjectAggregate struct {
	SubjectType     SubjectType  `json:"subject_type"`
	SubjectID       string       `json:"subject_id"`
	Count           int          `json:"ratings_quantity"`
	Average         float64      `json:"ratings_average"`
	Distribution    Distribution `json:"distribution"`
	BaselineAverage float64      `json:"baseline_average"`
	Version         int64        `json:"version"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

func (a *SubjectAggregate) Subject() SubjectKey {
	return SubjectKey{Type: a.SubjectType, ID: a.SubjectID}
}

// BaselineAggregate is the aggregate of a subject with no reviews.
func BaselineAggregate(key SubjectKey, baseline float64) SubjectAggregate {
	return SubjectAggregate{
		SubjectType:     key.Type,
		SubjectID:       key.ID,
		Average:         baseline,
		BaselineAverage: baseline,
	}
}

// ComputeAggregate derives the aggregate from the full set of live ratings.
// The result depends only on the multiset of ratings, so recomputing with an
// unchanged review set yields the same value. Version and UpdatedAt are left
// to the persistence layer.
func ComputeAggregate(key SubjectKey, ratings []int, baseline float64) SubjectAggregate {
	dist := NewDistribution(ratings)
	agg := BaselineAggregate(key, baseline)
	agg.Distribution = dist
	agg.Count = dist.Total()
	if agg.Count > 0 {
		agg.Average = RoundedMean(dist.Sum(), agg.Count)
	}
	return agg
}

// RoundedMean returns sum/count rounded half away from zero to one decimal,
// computed in integers so that e.g. 41/20 yields exactly 2.1.
func RoundedMean(sum, count int) float64 {
	if count <= 0 {
		return 0
	}
	num, den := int64(sum)*20, int64(count)*2
	var tenths int64
	if num >= 0 {
		tenths = (num + int64(count)) / den
	} else {
		tenths = -((-num + int64(count)) / den)
	}
	return float64(tenths) / 10
}

// Check verifies the internal consistency of an aggregate.
func (a *SubjectAggregate) Check() error {
	if a.Count < 0 {
		return fmt.Errorf("aggregate %s: negative count %d", a.Subject(), a.Count)
	}
	if total := a.Distribution.Total(); total != a.Count {
		return fmt.Errorf("aggregate %s: distribution sums to %d, count is %d", a.Subject(), total, a.Count)
	}
	want := a.BaselineAverage
	if a.Count > 0 {
		want = RoundedMean(a.Distribution.Sum(), a.Count)
	}
	if a.Average != want {
		return fmt.Errorf("aggregate %s: average %v, expected %v", a.Subject(), a.Average, want)
	}
	return nil
}

// SameRatings reports whether a and b describe the same review set,
// ignoring version and timestamps.
func (a *SubjectAggregate) SameRatings(b *SubjectAggregate) bool {
	return a.Count == b.Count &&
		a.Average == b.Average &&
		a.Distribution == b.Distribution &&
		a.BaselineAverage == b.BaselineAverage
}
