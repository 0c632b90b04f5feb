package startup

import (
	"context"
	"fmt"
	"io/fs"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/chatroom/internal/logger"
)

// Migrate applies every pending goose migration in fsys to the database behind pool.
func Migrate(ctx context.Context, pool *pgxpool.Pool, fsys fs.FS) error {
	defer logger.DeferLogDuration("startup.Migrate", time.Now())()
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	provider, err := goose.NewProvider(goose.DialectPostgres, db, fsys)
	if err != nil {
		return fmt.Errorf("startup.Migrate provider: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("startup.Migrate up: %w", err)
	}
	for _, r := range results {
		logger.Infof("migration applied: %s (%v)", r.Source.Path, r.Duration)
	}
	return nil
}
