package plandefinition

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/crd/internal/platform/db"
	"github.com/ehr/crd/internal/platform/fhir"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

var contextTable = fhir.ContextTableConfig{
	Table:     "plan_definition_context",
	FKColumn:  "plan_definition_id",
	ParentID:  "pd.id",
	TypeCol:   "type_code",
	SystemCol: "value_system",
	CodeCol:   "value_code",
}

type planDefinitionRepoPG struct{ pool *pgxpool.Pool }

// NewRepoPG returns a Repository backed by PostgreSQL.
func NewRepoPG(pool *pgxpool.Pool) Repository { return &planDefinitionRepoPG{pool: pool} }

func (r *planDefinitionRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const planDefCols = `pd.id, pd.resource, pd.created_at, pd.updated_at`

func (r *planDefinitionRepoPG) scanPlanDefinition(row pgx.Row) (*PlanDefinition, error) {
	var (
		id               string
		raw              []byte
		created, updated time.Time
	)
	if err := row.Scan(&id, &raw, &created, &updated); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	res, err := fhir.ParseResource(raw)
	if err != nil {
		return nil, fmt.Errorf("stored PlanDefinition %s: %w", id, err)
	}
	pd, err := FromResource(res)
	if err != nil {
		return nil, fmt.Errorf("stored PlanDefinition %s: %w", id, err)
	}
	pd.ID = id
	pd.CreatedAt, pd.UpdatedAt = created, updated
	return pd, nil
}

func (r *planDefinitionRepoPG) Upsert(ctx context.Context, pd *PlanDefinition) error {
	return db.WithTx(ctx, r.pool, func(ctx context.Context) error {
		q := r.conn(ctx)
		err := q.QueryRow(ctx, `
			INSERT INTO plan_definition (id, url, version, name, title, publisher, status, resource)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
			ON CONFLICT (id) DO UPDATE SET
				url=EXCLUDED.url, version=EXCLUDED.version, name=EXCLUDED.name, title=EXCLUDED.title,
				publisher=EXCLUDED.publisher, status=EXCLUDED.status, resource=EXCLUDED.resource,
				updated_at=NOW()
			RETURNING created_at, updated_at`,
			pd.ID, pd.URL, pd.Version, pd.Name, pd.Title, pd.Publisher, pd.Status, pd.Resource,
		).Scan(&pd.CreatedAt, &pd.UpdatedAt)
		if err != nil {
			return fmt.Errorf("upsert plan_definition %s: %w", pd.ID, err)
		}
		if _, err := q.Exec(ctx, `DELETE FROM plan_definition_context WHERE plan_definition_id = $1`, pd.ID); err != nil {
			return fmt.Errorf("clear contexts %s: %w", pd.ID, err)
		}
		for _, v := range pd.Contexts {
			if _, err := q.Exec(ctx, `
				INSERT INTO plan_definition_context (plan_definition_id, type_code, value_system, value_code)
				VALUES ($1,$2,$3,$4)`, pd.ID, v.Type, v.System, v.Code); err != nil {
				return fmt.Errorf("insert context %s for %s: %w", v, pd.ID, err)
			}
		}
		return nil
	})
}

func (r *planDefinitionRepoPG) GetByID(ctx context.Context, id string) (*PlanDefinition, error) {
	return r.scanPlanDefinition(r.conn(ctx).QueryRow(ctx, `SELECT `+planDefCols+` FROM plan_definition pd WHERE pd.id = $1`, id))
}

func (r *planDefinitionRepoPG) Delete(ctx context.Context, id string) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM plan_definition WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *planDefinitionRepoPG) Search(ctx context.Context, cq fhir.ContextQuery, limit, offset int) ([]*PlanDefinition, int, error) {
	q := buildSearchQuery(cq)

	var total int
	if err := r.conn(ctx).QueryRow(ctx, q.CountSQL(), q.CountArgs()...).Scan(&total); err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return nil, 0, nil
	}

	rows, err := r.conn(ctx).Query(ctx, q.DataSQL(limit, offset), q.DataArgs(limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*PlanDefinition
	for rows.Next() {
		pd, err := r.scanPlanDefinition(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, pd)
	}
	return items, total, rows.Err()
}

// buildSearchQuery renders a context query over plan_definition in store order.
func buildSearchQuery(cq fhir.ContextQuery) *fhir.SearchQuery {
	q := fhir.NewSearchQuery("plan_definition pd", planDefCols)
	clause, args, next := fhir.ContextQueryClause(contextTable, cq, q.Idx())
	q.AddClause(clause, args, next)
	q.OrderBy("pd.seq")
	return q
}
