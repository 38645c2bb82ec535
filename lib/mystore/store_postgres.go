package mystore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const entitiesSchema = `
create table if not exists entities (
  kind          text        not null,
  uid           text        not null,
  payload       jsonb       not null,
  last_modified timestamptz not null default now(),
  primary key (kind, uid)
);`

var (
	fieldNamePattern   = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)
	allowedComparisons = map[string]bool{"=": true, "!=": true, "<": true, "<=": true, ">": true, ">=": true}
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx
type querier interface {
	Exec(c context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(c context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(c context.Context, sql string, args ...any) pgx.Row
}

// postgresStore keeps every kind in one jsonb table.
// Inside a transaction Get takes a row lock, which is what makes read-check-write sequences safe across processes.
type postgresStore[T any] struct {
	pool *pgxpool.Pool
	kind string
}

func newPostgresStore[T any](c context.Context, databaseURL string) (*postgresStore[T], func(), error) {
	pool, err := pgxpool.New(c, databaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("error creating postgres pool: %s", err)
	}

	_, err = pool.Exec(c, entitiesSchema)
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("error creating entities table: %s", err)
	}

	return &postgresStore[T]{
			pool: pool,
			kind: kindOf[T](),
		}, func() {
			pool.Close()
		}, nil
}

func pgTransactionFrom(c context.Context) pgx.Tx {
	tx, _ := c.Value(ctxTransactionKey{}).(pgx.Tx)
	return tx
}

func (s *postgresStore[T]) db(c context.Context) querier {
	if tx := pgTransactionFrom(c); tx != nil {
		return tx
	}
	return s.pool
}

func (s *postgresStore[T]) RunInTransaction(c context.Context, f func(c context.Context) error) error {
	if pgTransactionFrom(c) != nil {
		return f(c)
	}

	tx, err := s.pool.BeginTx(c, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("error starting transaction: %w", err)
	}

	err = f(context.WithValue(c, ctxTransactionKey{}, tx))
	if err != nil {
		rollbackErr := tx.Rollback(c)
		if rollbackErr != nil {
			log.Printf("error rolling-back transaction: %s", rollbackErr)
		}
		return err
	}

	err = tx.Commit(c)
	if err != nil {
		return fmt.Errorf("error committing transaction: %w", err)
	}

	return nil
}

func (s *postgresStore[T]) Put(c context.Context, uid string, value T) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("error marshalling entity %s with uid %s: %s", s.kind, uid, err)
	}

	_, err = s.db(c).Exec(c, `
insert into entities (kind, uid, payload, last_modified)
values ($1, $2, $3, now())
on conflict (kind, uid) do update set payload = excluded.payload, last_modified = now();
`, s.kind, uid, string(payload))
	if err != nil {
		return fmt.Errorf("error storing entity %s with uid %s: %w", s.kind, uid, err)
	}

	return nil
}

func (s *postgresStore[T]) Get(c context.Context, uid string) (T, bool, error) {
	var value T

	query := `select payload from entities where kind = $1 and uid = $2`
	if pgTransactionFrom(c) != nil {
		// for update locks nothing when the row is missing; the advisory lock also covers rows about to be created
		_, err := s.db(c).Exec(c, `select pg_advisory_xact_lock(hashtextextended($1, 0))`, s.kind+"/"+uid)
		if err != nil {
			return value, false, fmt.Errorf("error locking entity %s with uid %s: %w", s.kind, uid, err)
		}
		query += ` for update`
	}

	var payload []byte
	err := s.db(c).QueryRow(c, query, s.kind, uid).Scan(&payload)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return value, false, nil
		}
		return value, false, fmt.Errorf("error fetching entity %s with uid %s: %w", s.kind, uid, err)
	}

	err = json.Unmarshal(payload, &value)
	if err != nil {
		return value, false, fmt.Errorf("error unmarshalling entity %s with uid %s: %s", s.kind, uid, err)
	}

	return value, true, nil
}

func (s *postgresStore[T]) List(c context.Context) ([]T, error) {
	return s.Query(c, nil, "")
}

func (s *postgresStore[T]) Query(c context.Context, filters []Filter, orderByField string) ([]T, error) {
	query, args, err := s.composeQuery(filters, orderByField)
	if err != nil {
		return nil, err
	}

	rows, err := s.db(c).Query(c, query, args...)
	if err != nil {
		return nil, fmt.Errorf("error querying entities %s: %w", s.kind, err)
	}
	defer rows.Close()

	result := []T{}
	for rows.Next() {
		var payload []byte
		err = rows.Scan(&payload)
		if err != nil {
			return nil, fmt.Errorf("error scanning entity %s: %s", s.kind, err)
		}

		var value T
		err = json.Unmarshal(payload, &value)
		if err != nil {
			return nil, fmt.Errorf("error unmarshalling entity %s: %s", s.kind, err)
		}
		result = append(result, value)
	}

	return result, rows.Err()
}

func (s *postgresStore[T]) composeQuery(filters []Filter, orderByField string) (string, []any, error) {
	sb := strings.Builder{}
	sb.WriteString(`select payload from entities where kind = $1`)
	args := []any{s.kind}

	for _, f := range filters {
		if !fieldNamePattern.MatchString(f.Field) {
			return "", nil, fmt.Errorf("invalid field name %q", f.Field)
		}
		if !allowedComparisons[f.Compare] {
			return "", nil, fmt.Errorf("unsupported comparison %q", f.Compare)
		}
		text, err := jsonText(f.Value)
		if err != nil {
			return "", nil, err
		}
		args = append(args, text)
		sb.WriteString(fmt.Sprintf(` and payload->>'%s' %s $%d`, f.Field, f.Compare, len(args)))
	}

	if orderByField != "" {
		if !fieldNamePattern.MatchString(orderByField) {
			return "", nil, fmt.Errorf("invalid order field %q", orderByField)
		}
		sb.WriteString(fmt.Sprintf(` order by payload->>'%s'`, orderByField))
	}

	return sb.String(), args, nil
}

// jsonText renders a value the way ->> renders the stored json attribute
func jsonText(value any) (string, error) {
	b, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("error marshalling filter value: %s", err)
	}

	var s string
	if json.Unmarshal(b, &s) == nil {
		return s, nil
	}
	return string(b), nil
}
