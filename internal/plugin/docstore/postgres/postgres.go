package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/ai-proxy-monitor/internal/config"
	"github.com/chirino/ai-proxy-monitor/internal/monitoring"
	registrydocstore "github.com/chirino/ai-proxy-monitor/internal/registry/docstore"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	codeUndefinedTable = "42P01"
	codeDuplicateTable = "42P07"
)

func init() {
	registrydocstore.Register(registrydocstore.Plugin{
		Name: "postgres",
		Loader: func(ctx context.Context) (registrydocstore.DocumentStore, error) {
			cfg := config.FromContext(ctx)
			store, err := Open(cfg.DBURL)
			if err != nil {
				return nil, err
			}
			sqlDB, err := store.db.DB()
			if err != nil {
				return nil, fmt.Errorf("failed to get underlying db: %w", err)
			}
			sqlDB.SetMaxOpenConns(cfg.DBMaxOpenConns)
			sqlDB.SetMaxIdleConns(cfg.DBMaxIdleConns)
			if monitoring.DBPoolMaxConnections != nil {
				monitoring.DBPoolMaxConnections.Set(float64(cfg.DBMaxOpenConns))
			}

			// Periodically update the open connections gauge.
			go func() {
				ticker := time.NewTicker(15 * time.Second)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return
					case <-ticker.C:
						if monitoring.DBPoolOpenConnections != nil {
							monitoring.DBPoolOpenConnections.Set(float64(sqlDB.Stats().OpenConnections))
						}
					}
				}
			}()
			return store, nil
		},
	})
}

// Store implements DocumentStore with one table per index, each row holding
// the document key and the document as jsonb.
type Store struct {
	db *gorm.DB
}

var _ registrydocstore.DocumentStore = (*Store)(nil)

// Open connects to dbURL and verifies the connection.
func Open(dbURL string) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dbURL), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func table(index string) string {
	return pgx.Identifier{index}.Sanitize()
}

// wrap maps a missing table to the missing-index error.
func wrap(index, op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == codeUndefinedTable {
		return registrydocstore.IndexNotFound(index)
	}
	return fmt.Errorf("%s %s: %w", op, index, err)
}

func (s *Store) IndexExists(ctx context.Context, index string) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Raw(
		`SELECT count(*) FROM information_schema.tables WHERE table_schema = current_schema() AND table_name = ?`,
		index,
	).Scan(&n).Error
	if err != nil {
		return false, fmt.Errorf("index exists %s: %w", index, err)
	}
	return n > 0, nil
}

func (s *Store) CreateIndex(ctx context.Context, index string, schema registrydocstore.Schema) error {
	for field := range schema.Fields {
		if err := registrydocstore.ValidateField(field); err != nil {
			return err
		}
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec(fmt.Sprintf(`CREATE TABLE %s (id text PRIMARY KEY, doc jsonb NOT NULL)`, table(index))).Error; err != nil {
			return err
		}
		if err := tx.Exec(fmt.Sprintf(`CREATE INDEX %s ON %s USING gin (doc jsonb_path_ops)`,
			table(index+"_doc_idx"), table(index))).Error; err != nil {
			return err
		}
		for _, stmt := range fieldIndexes(index, schema) {
			if err := tx.Exec(stmt).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == codeDuplicateTable {
			return &registrydocstore.IndexExistsError{Index: index}
		}
		return fmt.Errorf("create index %s: %w", index, err)
	}
	log.Info("Created table", "name", index, "fields", len(schema.Fields))
	return nil
}

// fieldIndexes builds an expression index on the sort key of each keyword or
// date field. Array membership and other fields rely on the jsonb GIN index.
func fieldIndexes(index string, schema registrydocstore.Schema) []string {
	var fields []string
	for field, kind := range schema.Fields {
		if kind == registrydocstore.FieldKeyword || kind == registrydocstore.FieldDate {
			fields = append(fields, field)
		}
	}
	sort.Strings(fields)
	stmts := make([]string, 0, len(fields))
	for _, field := range fields {
		name := table(index + "_" + strings.ReplaceAll(field, ".", "_") + "_idx")
		stmts = append(stmts, fmt.Sprintf(`CREATE INDEX %s ON %s ((%s))`, name, table(index), sortKey(field)))
	}
	return stmts
}

func (s *Store) DeleteIndex(ctx context.Context, index string) error {
	if err := s.db.WithContext(ctx).Exec(fmt.Sprintf(`DROP TABLE %s`, table(index))).Error; err != nil {
		return wrap(index, "delete index", err)
	}
	return nil
}

func (s *Store) Count(ctx context.Context, index string, q registrydocstore.Query) (int64, error) {
	if err := registrydocstore.ValidateQuery(q, nil); err != nil {
		return 0, err
	}
	where, args := whereClause(q)
	var n int64
	err := s.db.WithContext(ctx).Raw(fmt.Sprintf(`SELECT count(*) FROM %s%s`, table(index), where), args...).Scan(&n).Error
	if err != nil {
		return 0, wrap(index, "count", err)
	}
	return n, nil
}

func (s *Store) Search(ctx context.Context, index string, req registrydocstore.SearchRequest) (*registrydocstore.SearchResult, error) {
	if err := registrydocstore.ValidateQuery(req.Query, req.Sort); err != nil {
		return nil, err
	}
	total, err := s.Count(ctx, index, req.Query)
	if err != nil {
		return nil, err
	}
	result := &registrydocstore.SearchResult{Hits: []registrydocstore.Hit{}, Total: total}
	if req.Size == 0 || int64(req.From) >= total {
		return result, nil
	}

	where, args := whereClause(req.Query)
	query := fmt.Sprintf(`SELECT id, doc::text FROM %s%s ORDER BY %s`, table(index), where, orderBy(req.Sort))
	if req.Size > 0 {
		query += " LIMIT ?"
		args = append(args, req.Size)
	}
	query += " OFFSET ?"
	args = append(args, max(req.From, 0))

	rows, err := s.db.WithContext(ctx).Raw(query, args...).Rows()
	if err != nil {
		return nil, wrap(index, "search", err)
	}
	defer rows.Close()
	for rows.Next() {
		var hit registrydocstore.Hit
		var doc string
		if err := rows.Scan(&hit.ID, &doc); err != nil {
			return nil, wrap(index, "search", err)
		}
		hit.Source = json.RawMessage(doc)
		result.Hits = append(result.Hits, hit)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap(index, "search", err)
	}
	return result, nil
}

// Scan pages with keyset pagination on the sort keys plus id.
func (s *Store) Scan(ctx context.Context, index string, req registrydocstore.ScanRequest, fn registrydocstore.ScanFunc) error {
	if err := registrydocstore.ValidateQuery(req.Query, req.Sort); err != nil {
		return err
	}
	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = 1000
	}
	baseWhere, baseArgs := conditions(req.Query)

	keyCols := make([]string, len(req.Sort))
	for i, f := range req.Sort {
		keyCols[i] = sortKey(f.Field)
	}
	selectCols := "id, doc::text"
	if len(keyCols) > 0 {
		selectCols += ", " + strings.Join(keyCols, ", ")
	}

	var last []string // sort key values of the last row, then its id
	for {
		where := append([]string(nil), baseWhere...)
		args := append([]any(nil), baseArgs...)
		if last != nil {
			cond, condArgs := after(req.Sort, last)
			where = append(where, cond)
			args = append(args, condArgs...)
		}
		query := fmt.Sprintf(`SELECT %s FROM %s%s ORDER BY %s LIMIT ?`,
			selectCols, table(index), joinWhere(where), orderBy(req.Sort))
		args = append(args, pageSize)

		page, keys, err := s.scanPage(ctx, index, query, args, len(keyCols))
		if err != nil {
			return err
		}
		if len(page) == 0 {
			return nil
		}
		if err := fn(page); err != nil {
			return err
		}
		if len(page) < pageSize {
			return nil
		}
		last = keys
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

func (s *Store) scanPage(ctx context.Context, index, query string, args []any, nKeys int) ([]registrydocstore.Hit, []string, error) {
	rows, err := s.db.WithContext(ctx).Raw(query, args...).Rows()
	if err != nil {
		return nil, nil, wrap(index, "scan", err)
	}
	defer rows.Close()

	var page []registrydocstore.Hit
	var lastKeys []string
	for rows.Next() {
		var hit registrydocstore.Hit
		var doc string
		keys := make([]string, nKeys)
		dest := []any{&hit.ID, &doc}
		for i := range keys {
			dest = append(dest, &keys[i])
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, nil, wrap(index, "scan", err)
		}
		hit.Source = json.RawMessage(doc)
		page = append(page, hit)
		lastKeys = append(keys, hit.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, wrap(index, "scan", err)
	}
	return page, lastKeys, nil
}

// after builds the keyset predicate selecting rows strictly after last in the
// given order: (k1 > v1) OR (k1 = v1 AND k2 > v2) OR ... OR (all equal AND id > vid).
func after(sortFields []registrydocstore.SortField, last []string) (string, []any) {
	type key struct {
		expr string
		desc bool
	}
	keys := make([]key, 0, len(sortFields)+1)
	for _, f := range sortFields {
		keys = append(keys, key{expr: sortKey(f.Field), desc: f.Desc})
	}
	keys = append(keys, key{expr: `id COLLATE "C"`})

	var ors []string
	var args []any
	for i, k := range keys {
		var ands []string
		for j := 0; j < i; j++ {
			ands = append(ands, keys[j].expr+" = ?")
			args = append(args, last[j])
		}
		op := ">"
		if k.desc {
			op = "<"
		}
		ands = append(ands, fmt.Sprintf("%s %s ?", k.expr, op))
		args = append(args, last[i])
		ors = append(ors, "("+strings.Join(ands, " AND ")+")")
	}
	return "(" + strings.Join(ors, " OR ") + ")", args
}

func (s *Store) Get(ctx context.Context, index, id string) (*registrydocstore.Hit, error) {
	var doc sql.NullString
	rows, err := s.db.WithContext(ctx).Raw(fmt.Sprintf(`SELECT doc::text FROM %s WHERE id = ?`, table(index)), id).Rows()
	if err != nil {
		return nil, wrap(index, "get", err)
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, wrap(index, "get", err)
		}
		return nil, &registrydocstore.NotFoundError{Resource: "document", ID: id}
	}
	if err := rows.Scan(&doc); err != nil {
		return nil, wrap(index, "get", err)
	}
	return &registrydocstore.Hit{ID: id, Source: json.RawMessage(doc.String)}, nil
}

func (s *Store) ExistsByID(ctx context.Context, index, id string) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Raw(fmt.Sprintf(`SELECT count(*) FROM %s WHERE id = ?`, table(index)), id).Scan(&n).Error
	if err != nil {
		return false, wrap(index, "exists", err)
	}
	return n > 0, nil
}

func (s *Store) Terms(ctx context.Context, index, field string, q registrydocstore.Query, size int) ([]registrydocstore.TermBucket, error) {
	if err := registrydocstore.ValidateField(field); err != nil {
		return nil, err
	}
	if err := registrydocstore.ValidateQuery(q, nil); err != nil {
		return nil, err
	}
	where, args := whereClause(q)
	elem := value(field)
	query := fmt.Sprintf(`SELECT k.v, count(*) FROM %s,
		LATERAL jsonb_array_elements_text(CASE WHEN jsonb_typeof(%s) = 'array' THEN %s ELSE jsonb_build_array(%s) END) AS k(v)
		%s`, table(index), elem, elem, elem, where)
	if where == "" {
		query += " WHERE"
	} else {
		query += " AND"
	}
	query += ` k.v IS NOT NULL AND k.v <> '' GROUP BY k.v ORDER BY k.v COLLATE "C"`
	if size > 0 {
		query += " LIMIT ?"
		args = append(args, size)
	}

	rows, err := s.db.WithContext(ctx).Raw(query, args...).Rows()
	if err != nil {
		return nil, wrap(index, "terms", err)
	}
	defer rows.Close()
	buckets := []registrydocstore.TermBucket{}
	for rows.Next() {
		var b registrydocstore.TermBucket
		if err := rows.Scan(&b.Key, &b.Count); err != nil {
			return nil, wrap(index, "terms", err)
		}
		buckets = append(buckets, b)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap(index, "terms", err)
	}
	return buckets, nil
}

func (s *Store) Stats(ctx context.Context, index string) (*registrydocstore.IndexStats, error) {
	count, err := s.Count(ctx, index, registrydocstore.MatchAll())
	if err != nil {
		return nil, err
	}
	var size int64
	if err := s.db.WithContext(ctx).Raw(`SELECT pg_total_relation_size(?::regclass)`, table(index)).Scan(&size).Error; err != nil {
		return nil, wrap(index, "stats", err)
	}
	return &registrydocstore.IndexStats{DocumentCount: count, SizeBytes: size}, nil
}

// BulkIndex upserts each item with its own statement. A statement rejected by
// the server is reported as an item error; any other failure aborts the batch.
func (s *Store) BulkIndex(ctx context.Context, index string, items []registrydocstore.BulkItem) (*registrydocstore.BulkResponse, error) {
	exists, err := s.IndexExists(ctx, index)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, registrydocstore.IndexNotFound(index)
	}
	stmt := fmt.Sprintf(`INSERT INTO %s AS t (id, doc) VALUES (?, ?::jsonb) ON CONFLICT (id) DO UPDATE SET doc = t.doc || EXCLUDED.doc`, table(index))
	resp := &registrydocstore.BulkResponse{}
	for _, item := range items {
		if item.ID == "" {
			resp.Errors = append(resp.Errors, registrydocstore.BulkItemError{ID: item.ID, Reason: "document id is required"})
			continue
		}
		doc, err := encodeObject(item.Document)
		if err != nil {
			resp.Errors = append(resp.Errors, registrydocstore.BulkItemError{ID: item.ID, Reason: err.Error()})
			continue
		}
		if err := s.db.WithContext(ctx).Exec(stmt, item.ID, doc).Error; err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code != codeUndefinedTable {
				resp.Errors = append(resp.Errors, registrydocstore.BulkItemError{ID: item.ID, Reason: pgErr.Message})
				continue
			}
			return nil, wrap(index, "bulk index", err)
		}
		resp.Indexed++
	}
	return resp, nil
}

func (s *Store) UpdateByID(ctx context.Context, index, id string, partial map[string]any) error {
	patch, err := encodeObject(partial)
	if err != nil {
		return fmt.Errorf("encode partial document: %w", err)
	}
	res := s.db.WithContext(ctx).Exec(fmt.Sprintf(`UPDATE %s SET doc = doc || ?::jsonb WHERE id = ?`, table(index)), patch, id)
	if res.Error != nil {
		return wrap(index, "update", res.Error)
	}
	if res.RowsAffected == 0 {
		return &registrydocstore.NotFoundError{Resource: "document", ID: id}
	}
	return nil
}

func encodeObject(doc any) (string, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("encode document: %w", err)
	}
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil || probe == nil {
		return "", fmt.Errorf("document must be a JSON object")
	}
	return string(raw), nil
}
