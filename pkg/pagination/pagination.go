package pagination

import (
	"net/http"
	"slices"
	"strconv"
)

const (
	DefaultPerPage = 20
	MaxPerPage     = 100
)

// Params holds page, size and sort key parsed from a query string.
type Params struct {
	Page    int    `json:"page"`
	PerPage int    `json:"per_page"`
	Sort    string `json:"sort,omitempty"`
	Offset  int    `json:"-"`
}

// DefaultParams returns page 1 of DefaultPerPage items.
func DefaultParams() Params {
	return Params{Page: 1, PerPage: DefaultPerPage}
}

// FromRequest reads page, per_page and sort. Out-of-range values fall back to
// defaults; per_page is clamped to MaxPerPage. sort must be one of
// allowedSorts, otherwise the first allowed value is used.
func FromRequest(r *http.Request, allowedSorts ...string) Params {
	q := r.URL.Query()
	p := DefaultParams()

	if v, err := strconv.Atoi(q.Get("page")); err == nil && v > 0 {
		p.Page = v
	}
	if v, err := strconv.Atoi(q.Get("per_page")); err == nil && v > 0 {
		p.PerPage = min(v, MaxPerPage)
	}
	if len(allowedSorts) > 0 {
		p.Sort = allowedSorts[0]
		if s := q.Get("sort"); slices.Contains(allowedSorts, s) {
			p.Sort = s
		}
	}

	p.Offset = (p.Page - 1) * p.PerPage
	return p
}

// Result is one page of T plus totals.
type Result[T any] struct {
	Data       []T  `json:"data"`
	TotalCount int  `json:"total_count"`
	Page       int  `json:"page"`
	PerPage    int  `json:"per_page"`
	TotalPages int  `json:"total_pages"`
	HasNext    bool `json:"has_next"`
	HasPrev    bool `json:"has_prev"`
}

// NewResult builds a Result; a nil slice is encoded as [].
func NewResult[T any](data []T, totalCount int, params Params) Result[T] {
	perPage := params.PerPage
	if perPage <= 0 {
		perPage = DefaultPerPage
	}
	totalPages := (totalCount + perPage - 1) / perPage
	if data == nil {
		data = []T{}
	}
	return Result[T]{
		Data:       data,
		TotalCount: totalCount,
		Page:       params.Page,
		PerPage:    perPage,
		TotalPages: totalPages,
		HasNext:    params.Page < totalPages,
		HasPrev:    params.Page > 1,
	}
}
