package populate

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/sdcpopulate/internal/platform/db"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migrations returns the SQL migrations of the questionnaire store.
func Migrations() fs.FS {
	sub, err := fs.Sub(migrationFiles, "migrations")
	if err != nil {
		panic(err)
	}
	return sub
}

// EnsureSchema applies any pending questionnaire store migrations.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) (int, error) {
	return db.NewMigrator(pool, Migrations()).Up(ctx)
}

type queryable interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

type questionnaireRepoPG struct{ pool *pgxpool.Pool }

// NewQuestionnaireRepoPG returns a Postgres backed QuestionnaireRepository.
func NewQuestionnaireRepoPG(pool *pgxpool.Pool) QuestionnaireRepository {
	return &questionnaireRepoPG{pool: pool}
}

func (r *questionnaireRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

func (r *questionnaireRepoPG) GetByID(ctx context.Context, id string) (map[string]interface{}, error) {
	var raw []byte
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT resource FROM questionnaire WHERE id = $1`, id).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("questionnaire %s: %w", id, ErrQuestionnaireNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("questionnaire get: %w", err)
	}
	return decodeResource(raw)
}

func (r *questionnaireRepoPG) GetByURL(ctx context.Context, canonical string) (map[string]interface{}, error) {
	url, version := splitCanonical(canonical)
	var raw []byte
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT resource FROM questionnaire
		 WHERE url = $1 AND ($2 = '' OR version = $2)
		 ORDER BY updated_at DESC LIMIT 1`, url, version).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("questionnaire %s: %w", canonical, ErrQuestionnaireNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("questionnaire get by url: %w", err)
	}
	return decodeResource(raw)
}

func (r *questionnaireRepoPG) Put(ctx context.Context, id string, q map[string]interface{}) error {
	raw, err := json.Marshal(q)
	if err != nil {
		return fmt.Errorf("questionnaire encode: %w", err)
	}
	url, _ := q["url"].(string)
	version, _ := q["version"].(string)
	_, err = r.conn(ctx).Exec(ctx,
		`INSERT INTO questionnaire (id, url, version, resource, updated_at)
		 VALUES ($1, $2, $3, $4, NOW())
		 ON CONFLICT (id) DO UPDATE
		 SET url = EXCLUDED.url, version = EXCLUDED.version,
		     resource = EXCLUDED.resource, updated_at = NOW()`,
		id, url, version, raw)
	if err != nil {
		return fmt.Errorf("questionnaire put: %w", err)
	}
	return nil
}

func decodeResource(raw []byte) (map[string]interface{}, error) {
	var q map[string]interface{}
	if err := json.Unmarshal(raw, &q); err != nil {
		return nil, fmt.Errorf("questionnaire decode: %w", err)
	}
	return q, nil
}
