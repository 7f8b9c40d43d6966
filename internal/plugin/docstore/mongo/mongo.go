package mongo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/ai-proxy-monitor/internal/config"
	"github.com/chirino/ai-proxy-monitor/internal/model"
	registrydocstore "github.com/chirino/ai-proxy-monitor/internal/registry/docstore"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// codeNamespaceExists is the server error returned when creating an existing collection.
const codeNamespaceExists = 48

func init() {
	registrydocstore.Register(registrydocstore.Plugin{
		Name: "mongo",
		Loader: func(ctx context.Context) (registrydocstore.DocumentStore, error) {
			cfg := config.FromContext(ctx)
			opts := options.Client().ApplyURI(cfg.DBURL)
			if cfg.DBMaxOpenConns > 0 {
				opts.SetMaxPoolSize(uint64(cfg.DBMaxOpenConns))
			}
			if cfg.DBMaxIdleConns > 0 {
				opts.SetMinPoolSize(uint64(cfg.DBMaxIdleConns))
			}
			dbName := cfg.DBName
			if dbName == "" {
				dbName = "ai_proxy"
			}
			return Connect(ctx, opts, dbName)
		},
	})
}

// Store implements DocumentStore with one MongoDB collection per index.
// The document key is stored as _id.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
}

var _ registrydocstore.DocumentStore = (*Store)(nil)

// Connect opens a client, verifies it with a ping and binds it to dbName.
func Connect(ctx context.Context, opts *options.ClientOptions, dbName string) (*Store, error) {
	client, err := mongo.Connect(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}
	return &Store{client: client, db: client.Database(dbName)}, nil
}

func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func (s *Store) IndexExists(ctx context.Context, index string) (bool, error) {
	names, err := s.db.ListCollectionNames(ctx, bson.D{{Key: "name", Value: index}})
	if err != nil {
		return false, fmt.Errorf("list collections: %w", err)
	}
	return len(names) > 0, nil
}

func (s *Store) requireIndex(ctx context.Context, index string) (*mongo.Collection, error) {
	ok, err := s.IndexExists(ctx, index)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, registrydocstore.IndexNotFound(index)
	}
	return s.db.Collection(index), nil
}

func (s *Store) CreateIndex(ctx context.Context, index string, schema registrydocstore.Schema) error {
	if err := s.db.CreateCollection(ctx, index); err != nil {
		var cmdErr mongo.CommandError
		if errors.As(err, &cmdErr) && cmdErr.Code == codeNamespaceExists {
			return &registrydocstore.IndexExistsError{Index: index}
		}
		return fmt.Errorf("create collection %s: %w", index, err)
	}

	models := indexModels(schema)
	if len(models) > 0 {
		if _, err := s.db.Collection(index).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("create indexes for %s: %w", index, err)
		}
	}
	log.Info("Created collection", "name", index, "indexes", len(models))
	return nil
}

// indexModels builds one ascending index per keyword, date or integer field.
// Text fields are searched with $regex and get no index.
func indexModels(schema registrydocstore.Schema) []mongo.IndexModel {
	fields := make([]string, 0, len(schema.Fields))
	for field, kind := range schema.Fields {
		if kind == registrydocstore.FieldText {
			continue
		}
		fields = append(fields, field)
	}
	sort.Strings(fields)
	models := make([]mongo.IndexModel, 0, len(fields))
	for _, field := range fields {
		models = append(models, mongo.IndexModel{Keys: bson.D{{Key: field, Value: 1}}})
	}
	return models
}

func (s *Store) DeleteIndex(ctx context.Context, index string) error {
	coll, err := s.requireIndex(ctx, index)
	if err != nil {
		return err
	}
	if err := coll.Drop(ctx); err != nil {
		return fmt.Errorf("drop collection %s: %w", index, err)
	}
	return nil
}

func (s *Store) Count(ctx context.Context, index string, q registrydocstore.Query) (int64, error) {
	if err := registrydocstore.ValidateQuery(q, nil); err != nil {
		return 0, err
	}
	coll, err := s.requireIndex(ctx, index)
	if err != nil {
		return 0, err
	}
	n, err := coll.CountDocuments(ctx, filter(q))
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", index, err)
	}
	return n, nil
}

func (s *Store) Search(ctx context.Context, index string, req registrydocstore.SearchRequest) (*registrydocstore.SearchResult, error) {
	if err := registrydocstore.ValidateQuery(req.Query, req.Sort); err != nil {
		return nil, err
	}
	coll, err := s.requireIndex(ctx, index)
	if err != nil {
		return nil, err
	}
	f := filter(req.Query)
	total, err := coll.CountDocuments(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("count %s: %w", index, err)
	}
	result := &registrydocstore.SearchResult{Hits: []registrydocstore.Hit{}, Total: total}
	// A zero limit means "no limit" to the server.
	if req.Size == 0 || int64(req.From) >= total {
		return result, nil
	}

	opts := options.Find().SetSort(sortSpec(req.Sort)).SetSkip(int64(max(req.From, 0)))
	if req.Size > 0 {
		opts.SetLimit(int64(req.Size))
	}
	cursor, err := coll.Find(ctx, f, opts)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", index, err)
	}
	defer cursor.Close(ctx)
	for cursor.Next(ctx) {
		hit, err := toHit(cursor.Current)
		if err != nil {
			return nil, err
		}
		result.Hits = append(result.Hits, hit)
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("search %s: %w", index, err)
	}
	return result, nil
}

func (s *Store) Scan(ctx context.Context, index string, req registrydocstore.ScanRequest, fn registrydocstore.ScanFunc) error {
	if err := registrydocstore.ValidateQuery(req.Query, req.Sort); err != nil {
		return err
	}
	coll, err := s.requireIndex(ctx, index)
	if err != nil {
		return err
	}
	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = 1000
	}
	opts := options.Find().SetSort(sortSpec(req.Sort)).SetBatchSize(int32(pageSize))
	cursor, err := coll.Find(ctx, filter(req.Query), opts)
	if err != nil {
		return fmt.Errorf("scan %s: %w", index, err)
	}
	defer cursor.Close(ctx)

	page := make([]registrydocstore.Hit, 0, pageSize)
	for cursor.Next(ctx) {
		hit, err := toHit(cursor.Current)
		if err != nil {
			return err
		}
		page = append(page, hit)
		if len(page) == pageSize {
			if err := fn(page); err != nil {
				return err
			}
			page = make([]registrydocstore.Hit, 0, pageSize)
		}
	}
	if err := cursor.Err(); err != nil {
		return fmt.Errorf("scan %s: %w", index, err)
	}
	if len(page) > 0 {
		return fn(page)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, index, id string) (*registrydocstore.Hit, error) {
	coll, err := s.requireIndex(ctx, index)
	if err != nil {
		return nil, err
	}
	raw, err := coll.FindOne(ctx, idFilter(id)).Raw()
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, &registrydocstore.NotFoundError{Resource: "document", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", index, id, err)
	}
	hit, err := toHit(raw)
	if err != nil {
		return nil, err
	}
	return &hit, nil
}

func (s *Store) ExistsByID(ctx context.Context, index, id string) (bool, error) {
	coll, err := s.requireIndex(ctx, index)
	if err != nil {
		return false, err
	}
	n, err := coll.CountDocuments(ctx, idFilter(id), options.Count().SetLimit(1))
	if err != nil {
		return false, fmt.Errorf("exists %s/%s: %w", index, id, err)
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
	coll, err := s.requireIndex(ctx, index)
	if err != nil {
		return nil, err
	}
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: filter(q)}},
		{{Key: "$unwind", Value: "$" + field}},
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: "$" + field},
			{Key: "count", Value: bson.D{{Key: "$sum", Value: 1}}},
		}}},
		{{Key: "$match", Value: bson.D{{Key: "_id", Value: bson.D{{Key: "$type", Value: "string"}, {Key: "$ne", Value: ""}}}}}},
		{{Key: "$sort", Value: bson.D{{Key: "_id", Value: 1}}}},
	}
	if size > 0 {
		pipeline = append(pipeline, bson.D{{Key: "$limit", Value: size}})
	}
	cursor, err := coll.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("terms %s.%s: %w", index, field, err)
	}
	defer cursor.Close(ctx)

	var rows []struct {
		Key   string `bson:"_id"`
		Count int64  `bson:"count"`
	}
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, fmt.Errorf("terms %s.%s: %w", index, field, err)
	}
	buckets := make([]registrydocstore.TermBucket, len(rows))
	for i, r := range rows {
		buckets[i] = registrydocstore.TermBucket{Key: r.Key, Count: r.Count}
	}
	return buckets, nil
}

func (s *Store) Stats(ctx context.Context, index string) (*registrydocstore.IndexStats, error) {
	coll, err := s.requireIndex(ctx, index)
	if err != nil {
		return nil, err
	}
	count, err := coll.CountDocuments(ctx, bson.D{})
	if err != nil {
		return nil, fmt.Errorf("count %s: %w", index, err)
	}
	stats := &registrydocstore.IndexStats{DocumentCount: count}

	cursor, err := coll.Aggregate(ctx, mongo.Pipeline{
		{{Key: "$collStats", Value: bson.D{{Key: "storageStats", Value: bson.D{}}}}},
	})
	if err != nil {
		return nil, fmt.Errorf("collection stats %s: %w", index, err)
	}
	defer cursor.Close(ctx)
	if cursor.Next(ctx) {
		var row struct {
			StorageStats struct {
				TotalSize float64 `bson:"totalSize"`
				Size      float64 `bson:"size"`
			} `bson:"storageStats"`
		}
		if err := cursor.Decode(&row); err != nil {
			return nil, fmt.Errorf("decode collection stats %s: %w", index, err)
		}
		stats.SizeBytes = int64(row.StorageStats.TotalSize)
		if stats.SizeBytes == 0 {
			stats.SizeBytes = int64(row.StorageStats.Size)
		}
	}
	return stats, cursor.Err()
}

func (s *Store) BulkIndex(ctx context.Context, index string, items []registrydocstore.BulkItem) (*registrydocstore.BulkResponse, error) {
	coll, err := s.requireIndex(ctx, index)
	if err != nil {
		return nil, err
	}
	resp := &registrydocstore.BulkResponse{}
	models := make([]mongo.WriteModel, 0, len(items))
	modelIDs := make([]string, 0, len(items))
	for _, item := range items {
		if item.ID == "" {
			resp.Errors = append(resp.Errors, registrydocstore.BulkItemError{ID: item.ID, Reason: "document id is required"})
			continue
		}
		doc, err := toBSON(item.Document)
		if err != nil {
			resp.Errors = append(resp.Errors, registrydocstore.BulkItemError{ID: item.ID, Reason: err.Error()})
			continue
		}
		update := bson.D{{Key: "$set", Value: doc}}
		if len(doc) == 0 {
			update = bson.D{{Key: "$setOnInsert", Value: bson.D{{Key: "_id", Value: item.ID}}}}
		}
		models = append(models, mongo.NewUpdateOneModel().
			SetFilter(bson.D{{Key: "_id", Value: item.ID}}).
			SetUpdate(update).
			SetUpsert(true))
		modelIDs = append(modelIDs, item.ID)
	}
	if len(models) == 0 {
		return resp, nil
	}

	_, err = coll.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false))
	if err != nil {
		var bwe mongo.BulkWriteException
		if !errors.As(err, &bwe) || bwe.WriteConcernError != nil || len(bwe.WriteErrors) == 0 {
			return nil, fmt.Errorf("bulk write %s: %w", index, err)
		}
		for _, we := range bwe.WriteErrors {
			id := ""
			if we.Index >= 0 && we.Index < len(modelIDs) {
				id = modelIDs[we.Index]
			}
			resp.Errors = append(resp.Errors, registrydocstore.BulkItemError{ID: id, Reason: we.Message})
		}
		resp.Indexed = len(models) - len(bwe.WriteErrors)
		return resp, nil
	}
	resp.Indexed = len(models)
	return resp, nil
}

func (s *Store) UpdateByID(ctx context.Context, index, id string, partial map[string]any) error {
	coll, err := s.requireIndex(ctx, index)
	if err != nil {
		return err
	}
	set, err := toBSON(partial)
	if err != nil {
		return fmt.Errorf("encode partial document: %w", err)
	}
	res, err := coll.UpdateOne(ctx, idFilter(id), bson.D{{Key: "$set", Value: set}})
	if err != nil {
		return fmt.Errorf("update %s/%s: %w", index, id, err)
	}
	if res.MatchedCount == 0 {
		return &registrydocstore.NotFoundError{Resource: "document", ID: id}
	}
	return nil
}

// idFilter matches a string key, or the equivalent ObjectID for documents
// written by other tools.
func idFilter(id string) bson.D {
	if oid, err := bson.ObjectIDFromHex(id); err == nil {
		return bson.D{{Key: "_id", Value: bson.D{{Key: "$in", Value: bson.A{id, oid}}}}}
	}
	return bson.D{{Key: "_id", Value: id}}
}

func filter(q registrydocstore.Query) bson.D {
	var clauses bson.A
	for _, t := range q.Terms {
		clauses = append(clauses, bson.D{{Key: t.Field, Value: t.Value}})
	}
	for _, r := range q.Ranges {
		clauses = append(clauses, rangeClause(r))
	}
	for _, c := range q.Contains {
		clauses = append(clauses, bson.D{{Key: c.Field, Value: bson.Regex{Pattern: regexp.QuoteMeta(c.Value)}}})
	}
	if len(clauses) == 0 {
		return bson.D{}
	}
	return bson.D{{Key: "$and", Value: clauses}}
}

// rangeClause compares string bounds against string values. When both
// bounds are timestamps, native BSON dates in the same interval match too.
func rangeClause(r registrydocstore.Range) bson.D {
	str := bson.D{}
	date := bson.D{}
	datesOK := true
	for _, b := range []struct{ op, v string }{{"$gte", r.GTE}, {"$lt", r.LT}} {
		if b.v == "" {
			continue
		}
		str = append(str, bson.E{Key: b.op, Value: b.v})
		ts, err := model.ParseISOTime(b.v)
		if err != nil {
			datesOK = false
			continue
		}
		date = append(date, bson.E{Key: b.op, Value: bson.NewDateTimeFromTime(ts.Time)})
	}
	if len(str) == 0 {
		return bson.D{{Key: r.Field, Value: bson.D{{Key: "$type", Value: bson.A{"string", "date"}}}}}
	}
	if !datesOK {
		return bson.D{{Key: r.Field, Value: str}}
	}
	return bson.D{{Key: "$or", Value: bson.A{
		bson.D{{Key: r.Field, Value: str}},
		bson.D{{Key: r.Field, Value: date}},
	}}}
}

// sortSpec orders by the given fields, then by _id. Mongo orders values of
// different BSON types by type first, so a field holding both ISO strings
// and native dates sorts all strings before all dates.
func sortSpec(fields []registrydocstore.SortField) bson.D {
	keys := bson.D{}
	for _, f := range fields {
		dir := 1
		if f.Desc {
			dir = -1
		}
		keys = append(keys, bson.E{Key: f.Field, Value: dir})
	}
	return append(keys, bson.E{Key: "_id", Value: 1})
}

// toBSON converts any JSON-encodable value into an ordered BSON document.
func toBSON(v any) (bson.D, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	var doc bson.D
	if err := bson.UnmarshalExtJSON(raw, false, &doc); err != nil {
		return nil, fmt.Errorf("document must be a JSON object: %w", err)
	}
	return doc, nil
}

// toHit splits _id from a stored document and renders the rest as relaxed
// extended JSON. Native dates are rendered in model.ISOLayout first, so a
// source log written with BSON dates decodes like one written with strings.
func toHit(raw bson.Raw) (registrydocstore.Hit, error) {
	var doc bson.D
	if err := bson.Unmarshal(raw, &doc); err != nil {
		return registrydocstore.Hit{}, fmt.Errorf("decode document: %w", err)
	}
	hit := registrydocstore.Hit{}
	body := make(bson.D, 0, len(doc))
	for _, e := range doc {
		if e.Key == "_id" {
			hit.ID = idString(e.Value)
			continue
		}
		body = append(body, bson.E{Key: e.Key, Value: plainDates(e.Value)})
	}
	src, err := bson.MarshalExtJSON(body, false, false)
	if err != nil {
		return registrydocstore.Hit{}, fmt.Errorf("encode document %s: %w", hit.ID, err)
	}
	hit.Source = src
	return hit, nil
}

func idString(v any) string {
	switch id := v.(type) {
	case string:
		return id
	case bson.ObjectID:
		return id.Hex()
	default:
		return fmt.Sprint(id)
	}
}

func plainDates(v any) any {
	switch x := v.(type) {
	case bson.DateTime:
		return x.Time().UTC().Format(model.ISOLayout)
	case bson.D:
		for i := range x {
			x[i].Value = plainDates(x[i].Value)
		}
		return x
	case bson.A:
		for i := range x {
			x[i] = plainDates(x[i])
		}
		return x
	default:
		return v
	}
}
