// Package postgresql provides the PostgreSQL store for templates, instances and approvals.
package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/absamo/triven-workflow/pkg/persistence"
	"github.com/absamo/triven-workflow/pkg/persistence/sqlbase"
	_ "github.com/lib/pq"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Persistence implements persistence.Persistence on PostgreSQL.
type Persistence struct {
	repos

	db     *sql.DB
	logger *slog.Logger
}

var _ persistence.Persistence = (*Persistence)(nil)

// NewPersistence connects, pings and migrates the database at databaseURL.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (*Persistence, error) {
	database, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	err = database.PingContext(ctx)
	if err != nil {
		_ = database.Close()

		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger = logger.With("module", "postgresql")

	err = sqlbase.NewMigrationManager(logger, database, migrations()).RunMigrations(ctx)
	if err != nil {
		_ = database.Close()

		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Persistence{
		repos:  repos{q: database},
		db:     database,
		logger: logger,
	}, nil
}

// Transact runs fn in a database transaction, committing only when fn returns nil.
func (p *Persistence) Transact(ctx context.Context, fn func(ctx context.Context, repos persistence.Repositories) error) (err error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback()

			panic(r)
		}

		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				p.logger.ErrorContext(ctx, "rollback failed", "error", rbErr)
			}
		}
	}()

	if err = fn(ctx, repos{q: tx}); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (p *Persistence) Close(ctx context.Context) error {
	if p.db != nil {
		err := p.db.Close()
		if err != nil {
			return fmt.Errorf("failed to close database connection: %w", err)
		}
	}

	return nil
}

// HealthCheck verifies the database connection is healthy.
func (p *Persistence) HealthCheck(ctx context.Context) error {
	err := p.db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	return nil
}

// repos binds every repository to one querier.
type repos struct {
	q querier
}

func (r repos) Templates() persistence.TemplateRepository     { return &templateRepo{r.q} }
func (r repos) Instances() persistence.InstanceRepository     { return &instanceRepo{r.q} }
func (r repos) Steps() persistence.StepRepository             { return &stepRepo{r.q} }
func (r repos) Approvals() persistence.ApprovalRepository     { return &approvalRepo{r.q} }
func (r repos) Comments() persistence.CommentRepository       { return &commentRepo{r.q} }
func (r repos) Users() persistence.UserRepository             { return &userRepo{r.q} }
func (r repos) Sites() persistence.SiteRepository             { return &siteRepo{r.q} }
func (r repos) Preferences() persistence.PreferenceRepository { return &preferenceRepo{r.q} }
