package service

import (
	"context"
	"io"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/campusmart/marketplace/pkg/database"
	apperrors "github.com/campusmart/marketplace/pkg/errors"
	"github.com/campusmart/marketplace/services/review/internal/domain"
	"github.com/campusmart/marketplace/services/review/internal/repository"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// --- In-memory store ---

type markKey struct{ reviewID, voterID string }

type memState struct {
	reviews map[string]domain.Review
	ratings map[domain.SubjectKey]domain.SubjectAggregate
	marks   map[markKey]domain.HelpfulMark
}

func (s *memState) clone() *memState {
	c := &memState{
		reviews: make(map[string]domain.Review, len(s.reviews)),
		ratings: make(map[domain.SubjectKey]domain.SubjectAggregate, len(s.ratings)),
		marks:   make(map[markKey]domain.HelpfulMark, len(s.marks)),
	}
	for k, v := range s.reviews {
		c.reviews[k] = v
	}
	for k, v := range s.ratings {
		c.ratings[k] = v
	}
	for k, v := range s.marks {
		c.marks[k] = v
	}
	return c
}

// memStore serializes transactions on one mutex and restores a snapshot on
// rollback. lockErrs are returned, in order, by the next Lock calls.
type memStore struct {
	mu       sync.Mutex
	state    *memState
	lockErrs []error
	locks    int
}

func newMemStore() *memStore {
	return &memStore{state: (&memState{}).clone()}
}

var _ repository.Store = (*memStore)(nil)

func (s *memStore) WithinTx(ctx context.Context, fn func(tx repository.Repositories) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	snapshot := s.state.clone()
	if err := fn(memRepos{store: s, inTx: true}); err != nil {
		s.state = snapshot
		return err
	}
	return nil
}

func (s *memStore) Ping(context.Context) error { return nil }

func (s *memStore) Reviews() repository.ReviewRepository    { return memRepos{store: s}.Reviews() }
func (s *memStore) Ratings() repository.RatingRepository    { return memRepos{store: s}.Ratings() }
func (s *memStore) Marks() repository.HelpfulMarkRepository { return memRepos{store: s}.Marks() }

// snapshot returns a copy of the committed state.
func (s *memStore) snapshot() *memState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.clone()
}

func (s *memStore) setRating(agg domain.SubjectAggregate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.ratings[agg.Subject()] = agg
}

func (s *memStore) addReview(rv domain.Review) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.reviews[rv.ID] = rv
}

type memRepos struct {
	store *memStore
	inTx  bool
}

type (
	memReviews struct{ memRepos }
	memRatings struct{ memRepos }
	memMarks   struct{ memRepos }
)

func (r memRepos) Reviews() repository.ReviewRepository    { return memReviews{r} }
func (r memRepos) Ratings() repository.RatingRepository    { return memRatings{r} }
func (r memRepos) Marks() repository.HelpfulMarkRepository { return memMarks{r} }

func (r memRepos) with(fn func(st *memState)) {
	if !r.inTx {
		r.store.mu.Lock()
		defer r.store.mu.Unlock()
	}
	fn(r.store.state)
}

func (r memReviews) Create(_ context.Context, review *domain.Review) (err error) {
	r.with(func(st *memState) {
		for _, rv := range st.reviews {
			if rv.Subject() == review.Subject() && rv.AuthorID == review.AuthorID {
				err = apperrors.AlreadyExists("review", "author", review.AuthorID)
				return
			}
		}
		st.reviews[review.ID] = *review
	})
	return err
}

func (r memReviews) GetByID(_ context.Context, id string) (out *domain.Review, err error) {
	r.with(func(st *memState) {
		rv, ok := st.reviews[id]
		if !ok {
			err = apperrors.NotFound("review", id)
			return
		}
		out = &rv
	})
	return out, err
}

func (r memReviews) GetForUpdate(ctx context.Context, id string) (*domain.Review, error) {
	return r.GetByID(ctx, id)
}

func (r memReviews) Update(_ context.Context, review *domain.Review) (err error) {
	r.with(func(st *memState) {
		rv, ok := st.reviews[review.ID]
		if !ok {
			err = apperrors.NotFound("review", review.ID)
			return
		}
		rv.Rating, rv.Title, rv.Content, rv.UpdatedAt = review.Rating, review.Title, review.Content, review.UpdatedAt
		st.reviews[review.ID] = rv
	})
	return err
}

func (r memReviews) Delete(_ context.Context, id string) (err error) {
	r.with(func(st *memState) {
		if _, ok := st.reviews[id]; !ok {
			err = apperrors.NotFound("review", id)
			return
		}
		delete(st.reviews, id)
		for k := range st.marks {
			if k.reviewID == id {
				delete(st.marks, k)
			}
		}
	})
	return err
}

func (r memReviews) filter(pred func(domain.Review) bool, less func(a, b domain.Review) bool, page, perPage int) ([]domain.Review, int) {
	var out []domain.Review
	r.with(func(st *memState) {
		for _, rv := range st.reviews {
			if pred(rv) {
				out = append(out, rv)
			}
		}
	})
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	total := len(out)
	start := min((page-1)*perPage, total)
	end := min(start+perPage, total)
	return slices.Clone(out[start:end]), total
}

func (r memReviews) ListBySubject(_ context.Context, key domain.SubjectKey, f repository.ReviewFilter) ([]domain.Review, int, error) {
	less := func(a, b domain.Review) bool { return a.CreatedAt.After(b.CreatedAt) }
	switch f.Sort {
	case domain.SortOldest:
		less = func(a, b domain.Review) bool { return a.CreatedAt.Before(b.CreatedAt) }
	case domain.SortHighest:
		less = func(a, b domain.Review) bool { return a.Rating > b.Rating }
	case domain.SortLowest:
		less = func(a, b domain.Review) bool { return a.Rating < b.Rating }
	case domain.SortHelpful:
		less = func(a, b domain.Review) bool { return a.HelpfulCount > b.HelpfulCount }
	}
	out, total := r.filter(func(rv domain.Review) bool {
		return rv.Subject() == key && (f.Rating == nil || rv.Rating == *f.Rating)
	}, less, f.Page, f.PerPage)
	return out, total, nil
}

func (r memReviews) ListByAuthor(_ context.Context, authorID string, page, perPage int) ([]domain.Review, int, error) {
	out, total := r.filter(func(rv domain.Review) bool { return rv.AuthorID == authorID },
		func(a, b domain.Review) bool { return a.CreatedAt.After(b.CreatedAt) }, page, perPage)
	return out, total, nil
}

func (r memReviews) LiveRatings(_ context.Context, key domain.SubjectKey) (out []int, _ error) {
	r.with(func(st *memState) {
		for _, rv := range st.reviews {
			if rv.Subject() == key {
				out = append(out, rv.Rating)
			}
		}
	})
	return out, nil
}

func (r memReviews) DeleteBySubject(ctx context.Context, key domain.SubjectKey) (n int64, err error) {
	var ids []string
	r.with(func(st *memState) {
		for id, rv := range st.reviews {
			if rv.Subject() == key {
				ids = append(ids, id)
			}
		}
	})
	for _, id := range ids {
		if err := r.Delete(ctx, id); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (r memReviews) RefreshHelpfulCount(_ context.Context, id string) (count int, err error) {
	r.with(func(st *memState) {
		rv, ok := st.reviews[id]
		if !ok {
			err = apperrors.NotFound("review", id)
			return
		}
		for k := range st.marks {
			if k.reviewID == id {
				count++
			}
		}
		rv.HelpfulCount = count
		st.reviews[id] = rv
	})
	return count, err
}

func (r memRatings) Lock(_ context.Context, key domain.SubjectKey, baseline float64) (out *domain.SubjectAggregate, err error) {
	r.store.locks++
	if len(r.store.lockErrs) > 0 {
		err, r.store.lockErrs = r.store.lockErrs[0], r.store.lockErrs[1:]
		return nil, err
	}
	r.with(func(st *memState) {
		agg, ok := st.ratings[key]
		if !ok {
			agg = domain.BaselineAggregate(key, baseline)
			st.ratings[key] = agg
		}
		out = &agg
	})
	return out, nil
}

func (r memRatings) Save(_ context.Context, agg *domain.SubjectAggregate) (err error) {
	r.with(func(st *memState) {
		prev, ok := st.ratings[agg.Subject()]
		if !ok {
			err = apperrors.NotFound("subject rating", agg.Subject().String())
			return
		}
		agg.Version = prev.Version + 1
		st.ratings[agg.Subject()] = *agg
	})
	return err
}

func (r memRatings) Get(_ context.Context, key domain.SubjectKey) (out *domain.SubjectAggregate, err error) {
	r.with(func(st *memState) {
		agg, ok := st.ratings[key]
		if !ok {
			err = apperrors.NotFound("subject rating", key.String())
			return
		}
		out = &agg
	})
	return out, err
}

func (r memRatings) GetMany(_ context.Context, t domain.SubjectType, ids []string) (out []domain.SubjectAggregate, _ error) {
	r.with(func(st *memState) {
		for _, id := range ids {
			if agg, ok := st.ratings[domain.SubjectKey{Type: t, ID: id}]; ok {
				out = append(out, agg)
			}
		}
	})
	return out, nil
}

func (r memRatings) Init(_ context.Context, key domain.SubjectKey, baseline float64) (created bool, _ error) {
	r.with(func(st *memState) {
		if _, ok := st.ratings[key]; ok {
			return
		}
		st.ratings[key] = domain.BaselineAggregate(key, baseline)
		created = true
	})
	return created, nil
}

func (r memRatings) ListKeys(_ context.Context, after domain.SubjectKey, limit int) ([]domain.SubjectKey, error) {
	var keys []domain.SubjectKey
	r.with(func(st *memState) {
		for k := range st.ratings {
			keys = append(keys, k)
		}
	})
	less := func(a, b domain.SubjectKey) bool {
		if a.Type != b.Type {
			return a.Type < b.Type
		}
		return a.ID < b.ID
	}
	sort.Slice(keys, func(i, j int) bool { return less(keys[i], keys[j]) })
	var out []domain.SubjectKey
	for _, k := range keys {
		if less(after, k) && len(out) < limit {
			out = append(out, k)
		}
	}
	return out, nil
}

func (r memRatings) Delete(_ context.Context, key domain.SubjectKey) error {
	r.with(func(st *memState) { delete(st.ratings, key) })
	return nil
}

func (r memMarks) Add(_ context.Context, mark *domain.HelpfulMark) (added bool, err error) {
	r.with(func(st *memState) {
		if _, ok := st.reviews[mark.ReviewID]; !ok {
			err = apperrors.NotFound("review", mark.ReviewID)
			return
		}
		k := markKey{mark.ReviewID, mark.VoterID}
		if _, ok := st.marks[k]; ok {
			return
		}
		st.marks[k] = *mark
		added = true
	})
	return added, err
}

// --- Mock event publisher ---

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) PublishReviewCreated(ctx context.Context, review *domain.Review) error {
	return m.Called(ctx, review).Error(0)
}

func (m *mockPublisher) PublishReviewUpdated(ctx context.Context, review *domain.Review, previousRating int) error {
	return m.Called(ctx, review, previousRating).Error(0)
}

func (m *mockPublisher) PublishReviewDeleted(ctx context.Context, review *domain.Review, deletedBy string) error {
	return m.Called(ctx, review, deletedBy).Error(0)
}

func (m *mockPublisher) PublishRatingUpdated(ctx context.Context, agg *domain.SubjectAggregate) error {
	return m.Called(ctx, agg).Error(0)
}

// allowAll accepts every publish call.
func (m *mockPublisher) allowAll() *mockPublisher {
	m.On("PublishReviewCreated", mock.Anything, mock.Anything).Return(nil).Maybe()
	m.On("PublishReviewUpdated", mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()
	m.On("PublishReviewDeleted", mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()
	m.On("PublishRatingUpdated", mock.Anything, mock.Anything).Return(nil).Maybe()
	return m
}

// --- In-memory rating cache ---

type memCache struct {
	mu      sync.Mutex
	entries map[domain.SubjectKey]domain.SubjectAggregate
	err     error
	gets    int
}

func newMemCache() *memCache {
	return &memCache{entries: make(map[domain.SubjectKey]domain.SubjectAggregate)}
}

var _ repository.RatingCache = (*memCache)(nil)

func (c *memCache) Get(_ context.Context, key domain.SubjectKey) (*domain.SubjectAggregate, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gets++
	if c.err != nil {
		return nil, c.err
	}
	agg, ok := c.entries[key]
	if !ok {
		return nil, nil
	}
	return &agg, nil
}

func (c *memCache) GetMany(_ context.Context, keys []domain.SubjectKey) (map[domain.SubjectKey]domain.SubjectAggregate, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	out := make(map[domain.SubjectKey]domain.SubjectAggregate)
	for _, k := range keys {
		if agg, ok := c.entries[k]; ok {
			out[k] = agg
		}
	}
	return out, nil
}

func (c *memCache) Set(_ context.Context, agg *domain.SubjectAggregate) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return false, c.err
	}
	if cur, ok := c.entries[agg.Subject()]; ok && cur.Version >= agg.Version {
		return false, nil
	}
	c.entries[agg.Subject()] = *agg
	return true, nil
}

func (c *memCache) Delete(_ context.Context, key domain.SubjectKey) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return c.err
}

func (c *memCache) entry(key domain.SubjectKey) (domain.SubjectAggregate, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	agg, ok := c.entries[key]
	return agg, ok
}

// --- Harness ---

type testEnv struct {
	store      *memStore
	cache      *memCache
	events     *mockPublisher
	maintainer *AggregateMaintainer
	reviews    *ReviewService
	helpful    *HelpfulService
	projection *ProjectionService
}

func testRetryPolicy() database.RetryPolicy {
	return database.RetryPolicy{MaxAttempts: 3, BaseDelay: 0}
}

func newTestEnv() *testEnv {
	env := &testEnv{
		store:  newMemStore(),
		cache:  newMemCache(),
		events: (&mockPublisher{}).allowAll(),
	}
	logger := newTestLogger()
	env.maintainer = NewAggregateMaintainer(env.store, env.cache, env.events, MaintainerConfig{
		Baselines: domain.Baselines{domain.SubjectHostel: 3.0},
		Retry:     testRetryPolicy(),
	}, logger)
	env.reviews = NewReviewService(env.store, env.maintainer, env.events, []string{"admin", "Moderator"}, logger)
	env.helpful = NewHelpfulService(env.store, testRetryPolicy(), logger)
	env.projection = NewProjectionService(env.store, env.cache, env.maintainer, logger)

	clock := steppingClock()
	env.reviews.now = clock
	env.helpful.now = clock
	env.maintainer.now = clock
	return env
}

// steppingClock returns a clock that advances one minute per call.
func steppingClock() func() time.Time {
	var mu sync.Mutex
	t := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Minute)
		return t
	}
}
