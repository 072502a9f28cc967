package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/campusmart/marketplace/pkg/database"
	"github.com/campusmart/marketplace/services/review/internal/repository"
)

// Pool is satisfied by *pgxpool.Pool and pgxmock pools.
type Pool interface {
	database.TxBeginner
	Ping(ctx context.Context) error
}

// Store implements repository.Store on PostgreSQL.
type Store struct {
	pool Pool
	repositories
}

var _ repository.Store = (*Store)(nil)

// NewStore creates a Store whose non-transactional repositories use pool.
func NewStore(pool Pool) *Store {
	return &Store{pool: pool, repositories: bind(pool)}
}

// WithinTx runs fn in a READ COMMITTED transaction. Serialization per
// subject comes from RatingRepository.Lock, not from the isolation level.
func (s *Store) WithinTx(ctx context.Context, fn func(tx repository.Repositories) error) error {
	return database.RunInTx(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		return fn(bind(tx))
	})
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

type repositories struct {
	reviews *ReviewRepository
	ratings *RatingRepository
	marks   *HelpfulMarkRepository
}

func bind(db database.DBTX) repositories {
	return repositories{
		reviews: NewReviewRepository(db),
		ratings: NewRatingRepository(db),
		marks:   NewHelpfulMarkRepository(db),
	}
}

func (r repositories) Reviews() repository.ReviewRepository    { return r.reviews }
func (r repositories) Ratings() repository.RatingRepository    { return r.ratings }
func (r repositories) Marks() repository.HelpfulMarkRepository { return r.marks }
