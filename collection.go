package embedb

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hupe1980/embedb/internal/catalog"
	"github.com/hupe1980/embedb/internal/manager"
	"github.com/hupe1980/embedb/internal/segment"
	"github.com/hupe1980/embedb/metadata"
	"github.com/hupe1980/embedb/model"
)

// Include selects the fields returned by Get and Query.
type Include uint8

const (
	IncludeEmbeddings Include = 1 << iota
	IncludeMetadatas
	IncludeDocuments
	IncludeURIs
	IncludeDistances
)

const (
	// DefaultGetInclude is used when GetRequest.Include is zero.
	DefaultGetInclude = IncludeMetadatas | IncludeDocuments

	// DefaultQueryInclude is used when QueryRequest.Include is zero.
	DefaultQueryInclude = IncludeMetadatas | IncludeDocuments | IncludeDistances

	// DefaultPeekLimit is the number of records Peek returns by default.
	DefaultPeekLimit = 10
)

// Has reports whether f is selected.
func (i Include) Has(f Include) bool { return i&f != 0 }

func (i Include) hydrates() bool {
	return i.Has(IncludeMetadatas) || i.Has(IncludeDocuments) || i.Has(IncludeURIs)
}

// Records is a column-oriented set of records for Add, Update and Upsert.
// Every non-nil column must have one entry per id. An empty document or URI
// leaves the field unset.
type Records struct {
	IDs        []string
	Embeddings [][]float32
	Metadatas  []metadata.Metadata
	Documents  []string
	URIs       []string
}

// GetRequest selects records by id and filters.
type GetRequest struct {
	IDs           []string
	Where         *metadata.Where
	WhereDocument *metadata.WhereDocument
	Limit         int
	Offset        int
	Include       Include
}

// GetResult holds one entry per record. Columns not included are nil.
type GetResult struct {
	IDs        []string
	Embeddings [][]float32
	Metadatas  []metadata.Metadata
	Documents  []string
	URIs       []string
}

// QueryRequest searches the nearest neighbors of each query embedding.
// Where, WhereDocument and IDs restrict the candidates.
type QueryRequest struct {
	Embeddings    [][]float32
	NResults      int
	IDs           []string
	Where         *metadata.Where
	WhereDocument *metadata.WhereDocument
	Include       Include
}

// QueryResult holds one result list per query embedding, nearest first.
type QueryResult struct {
	IDs        [][]string
	Embeddings [][][]float32
	Metadatas  [][]metadata.Metadata
	Documents  [][]string
	URIs       [][]string
	Distances  [][]float32
}

// DeleteRequest selects the records to delete. At least one of IDs, Where
// and WhereDocument must be set; combined they intersect.
type DeleteRequest struct {
	IDs           []string
	Where         *metadata.Where
	WhereDocument *metadata.WhereDocument
}

// Collection is a handle to a named set of records.
type Collection struct {
	db     *DB
	model  model.Collection
	logger *Logger
}

func (db *DB) newCollection(c model.Collection) *Collection {
	return &Collection{db: db, model: c, logger: db.logger.WithCollection(c.ID, c.Name)}
}

func (c *Collection) ID() uuid.UUID { return c.model.ID }

func (c *Collection) Name() string { return c.model.Name }

// Metadata returns the collection metadata as of the handle's creation.
func (c *Collection) Metadata() metadata.Metadata { return c.model.Metadata.Clone() }

// Config returns the index parameters.
func (c *Collection) Config() model.IndexConfig { return c.model.Config }

// Dimension returns the fixed embedding dimension, or 0 while no embedding
// has been written.
func (c *Collection) Dimension(ctx context.Context) (int, error) {
	col, err := c.db.refresh(ctx, c.model.ID)
	if err != nil {
		return 0, err
	}
	if col.Dimension == nil {
		return 0, nil
	}
	return *col.Dimension, nil
}

// Modify renames the collection or replaces its metadata. Empty arguments
// are left unchanged.
func (c *Collection) Modify(ctx context.Context, name string, md metadata.Metadata) error {
	exit, err := c.db.enter()
	if err != nil {
		return err
	}
	defer exit()

	var u catalog.CollectionUpdate
	if name != "" {
		if err := validateCollectionName(name); err != nil {
			return err
		}
		u.Name = &name
	}
	if md != nil {
		if err := md.Validate(false); err != nil {
			return translateError(err)
		}
		u.Metadata = md.Clone()
	}
	updated, err := c.db.sysdb.UpdateCollection(ctx, c.model.ID, u)
	if err != nil {
		return translateError(err)
	}
	c.model = updated
	return nil
}

// Add inserts new records. Embeddings are required. Ids that already exist
// are skipped when the write is applied.
func (c *Collection) Add(ctx context.Context, recs Records) error {
	return c.write(ctx, model.OperationAdd, recs)
}

// Update changes existing records. Metadata keys set to metadata.Null() are
// removed; keys not mentioned are kept. Unknown ids are skipped.
func (c *Collection) Update(ctx context.Context, recs Records) error {
	return c.write(ctx, model.OperationUpdate, recs)
}

// Upsert updates existing records and adds the others.
func (c *Collection) Upsert(ctx context.Context, recs Records) error {
	return c.write(ctx, model.OperationUpsert, recs)
}

// Delete removes the selected records and returns the ids submitted for
// deletion. Ids that do not exist are skipped when the write is applied.
func (c *Collection) Delete(ctx context.Context, req DeleteRequest) ([]string, error) {
	exit, err := c.db.enter()
	if err != nil {
		return nil, err
	}
	defer exit()

	if len(req.IDs) == 0 && req.Where == nil && req.WhereDocument == nil {
		return nil, invalidArgument("delete needs ids, where or where_document")
	}
	if err := validateIDs(req.IDs); err != nil {
		return nil, err
	}
	if err := validateFilters(req.Where, req.WhereDocument); err != nil {
		return nil, err
	}

	ids := req.IDs
	if req.Where != nil || req.WhereDocument != nil {
		err := c.db.retry(ctx, c.model.ID, "delete", func(rv model.RequestVersionContext) error {
			meta, err := c.db.manager.MetadataSegment(ctx, c.model.ID)
			if err != nil {
				return err
			}
			rows, err := meta.GetMetadata(ctx, model.MetadataQuery{
				Where:           req.Where,
				WhereDocument:   req.WhereDocument,
				IDs:             req.IDs,
				ExcludeMetadata: true,
				Version:         rv,
			})
			if err != nil {
				return err
			}
			ids = make([]string, len(rows))
			for i, r := range rows {
				ids[i] = r.ID
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}

	ops := make([]model.OperationRecord, len(ids))
	for i, id := range ids {
		ops[i] = model.OperationRecord{ID: id, Operation: model.OperationDelete}
	}
	if err := c.submit(ctx, model.OperationDelete, ops); err != nil {
		return nil, err
	}
	return ids, nil
}

func (c *Collection) write(ctx context.Context, op model.Operation, recs Records) error {
	exit, err := c.db.enter()
	if err != nil {
		return err
	}
	defer exit()

	ops, dim, err := buildRecords(op, recs)
	if err != nil {
		return err
	}
	if dim > 0 {
		if err := c.ensureDimension(ctx, dim); err != nil {
			return err
		}
	}
	return c.submit(ctx, op, ops)
}

// buildRecords validates a record set and converts it to log records. dim
// is the embedding dimension, or 0 when no embeddings were given.
func buildRecords(op model.Operation, recs Records) ([]model.OperationRecord, int, error) {
	n := len(recs.IDs)
	if n == 0 {
		return nil, 0, invalidArgument("ids must not be empty")
	}
	if err := validateIDs(recs.IDs); err != nil {
		return nil, 0, err
	}
	for _, col := range []struct {
		name string
		len  int
		set  bool
	}{
		{"embeddings", len(recs.Embeddings), recs.Embeddings != nil},
		{"metadatas", len(recs.Metadatas), recs.Metadatas != nil},
		{"documents", len(recs.Documents), recs.Documents != nil},
		{"uris", len(recs.URIs), recs.URIs != nil},
	} {
		if col.set && col.len != n {
			return nil, 0, invalidArgument("got %d %s for %d ids", col.len, col.name, n)
		}
	}
	if op == model.OperationAdd && recs.Embeddings == nil {
		return nil, 0, invalidArgument("add requires embeddings")
	}

	allowNull := op != model.OperationAdd
	dim := 0
	out := make([]model.OperationRecord, n)
	for i, id := range recs.IDs {
		r := model.OperationRecord{ID: id, Operation: op, Encoding: model.EncodingFloat32}

		if recs.Embeddings != nil {
			v := recs.Embeddings[i]
			if len(v) == 0 {
				if op == model.OperationAdd {
					return nil, 0, invalidArgument("embedding of %q is empty", id)
				}
			} else {
				if dim == 0 {
					dim = len(v)
				} else if len(v) != dim {
					return nil, 0, &ErrDimensionMismatch{Expected: dim, Actual: len(v)}
				}
				r.Embedding = v
			}
		}

		var md metadata.Metadata
		if recs.Metadatas != nil && recs.Metadatas[i] != nil {
			if err := recs.Metadatas[i].Validate(allowNull); err != nil {
				return nil, 0, translateError(fmt.Errorf("record %q: %w", id, err))
			}
			md = recs.Metadatas[i].Clone()
		}
		if recs.Documents != nil && recs.Documents[i] != "" {
			if md == nil {
				md = metadata.Metadata{}
			}
			md[metadata.DocumentKey] = metadata.String(recs.Documents[i])
		}
		if recs.URIs != nil && recs.URIs[i] != "" {
			if md == nil {
				md = metadata.Metadata{}
			}
			md[metadata.URIKey] = metadata.String(recs.URIs[i])
		}
		r.Metadata = md
		out[i] = r
	}
	return out, dim, nil
}

func validateIDs(ids []string) error {
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id == "" {
			return invalidArgument("ids must not be empty strings")
		}
		if _, dup := seen[id]; dup {
			return invalidArgument("duplicate id %q", id)
		}
		seen[id] = struct{}{}
	}
	return nil
}

func validateFilters(w *metadata.Where, wd *metadata.WhereDocument) error {
	if w != nil {
		if err := w.Validate(); err != nil {
			return translateError(err)
		}
	}
	if wd != nil {
		if err := wd.Validate(); err != nil {
			return translateError(err)
		}
	}
	return nil
}

// ensureDimension fixes the collection dimension on the first write and
// rejects embeddings of any other dimension afterwards.
func (c *Collection) ensureDimension(ctx context.Context, dim int) error {
	col, err := c.db.refresh(ctx, c.model.ID)
	if err != nil {
		return err
	}
	if col.Dimension != nil {
		if *col.Dimension != dim {
			return &ErrDimensionMismatch{Expected: *col.Dimension, Actual: dim}
		}
		return nil
	}
	if _, err := c.db.sysdb.UpdateCollection(ctx, col.ID, catalog.CollectionUpdate{Dimension: &dim}); err != nil {
		return translateError(err)
	}
	c.logger.Debug("fixed collection dimension", zap.Int("dimension", dim))
	return nil
}

// submit appends ops to the log and advances the catalog state once the
// segments applied them.
func (c *Collection) submit(ctx context.Context, op model.Operation, ops []model.OperationRecord) error {
	start := time.Now()
	id := c.model.ID
	if err := c.db.manager.HintUseCollection(ctx, id, manager.HintWrite); err != nil {
		err = translateError(err)
		c.db.opts.metrics.OnWrite(strings.ToLower(op.String()), len(ops), time.Since(start), err)
		return err
	}

	offsets, err := c.db.log.Submit(ctx, id, ops)
	var last int64
	if len(offsets) > 0 {
		last = offsets[len(offsets)-1]
	}
	c.logger.LogWrite(op, len(ops), last, err)
	c.db.opts.metrics.OnWrite(strings.ToLower(op.String()), len(ops), time.Since(start), err)
	if err != nil {
		return err
	}

	// The write is durable; a failed advance only delays log purging.
	res, err := c.db.compactor.Advance(ctx, id)
	if err != nil {
		c.logger.Warn("advance collection", zap.Error(err))
		return nil
	}
	c.db.opts.metrics.OnCompaction(res.Committed, res.LogPosition)
	return nil
}

// Count returns the number of records.
func (c *Collection) Count(ctx context.Context) (int, error) {
	exit, err := c.db.enter()
	if err != nil {
		return 0, err
	}
	defer exit()

	var n int
	err = c.db.retry(ctx, c.model.ID, "count", func(rv model.RequestVersionContext) error {
		meta, err := c.db.manager.MetadataSegment(ctx, c.model.ID)
		if err != nil {
			return err
		}
		n, err = meta.Count(ctx, rv)
		return err
	})
	return n, err
}

// Peek returns the first limit records with their embeddings.
func (c *Collection) Peek(ctx context.Context, limit int) (GetResult, error) {
	if limit <= 0 {
		limit = DefaultPeekLimit
	}
	return c.Get(ctx, GetRequest{
		Limit:   limit,
		Include: IncludeEmbeddings | IncludeMetadatas | IncludeDocuments,
	})
}

// Get returns the records matching req in insertion order.
func (c *Collection) Get(ctx context.Context, req GetRequest) (GetResult, error) {
	exit, err := c.db.enter()
	if err != nil {
		return GetResult{}, err
	}
	defer exit()

	if req.Limit < 0 || req.Offset < 0 {
		return GetResult{}, invalidArgument("limit and offset must not be negative")
	}
	if err := validateFilters(req.Where, req.WhereDocument); err != nil {
		return GetResult{}, err
	}
	if req.Include == 0 {
		req.Include = DefaultGetInclude
	}
	if req.Include.Has(IncludeDistances) {
		return GetResult{}, invalidArgument("get cannot include distances")
	}

	var res GetResult
	err = c.db.retry(ctx, c.model.ID, "get", func(rv model.RequestVersionContext) error {
		meta, err := c.db.manager.MetadataSegment(ctx, c.model.ID)
		if err != nil {
			return err
		}
		rows, err := meta.GetMetadata(ctx, model.MetadataQuery{
			Where:           req.Where,
			WhereDocument:   req.WhereDocument,
			IDs:             req.IDs,
			Limit:           req.Limit,
			Offset:          req.Offset,
			ExcludeMetadata: !req.Include.hydrates(),
			Version:         rv,
		})
		if err != nil {
			return err
		}

		res = GetResult{IDs: make([]string, len(rows))}
		for i, r := range rows {
			res.IDs[i] = r.ID
		}
		fillMetadata(&res.Metadatas, &res.Documents, &res.URIs, rows, req.Include)

		if !req.Include.Has(IncludeEmbeddings) || len(rows) == 0 {
			return nil
		}
		vec, err := c.db.manager.VectorSegment(ctx, c.model.ID)
		if err != nil {
			return err
		}
		vrows, err := vec.GetVectors(ctx, res.IDs, rv)
		if err != nil {
			return err
		}
		byID := make(map[string][]float32, len(vrows))
		for _, v := range vrows {
			byID[v.ID] = v.Embedding
		}
		res.Embeddings = make([][]float32, len(res.IDs))
		for i, id := range res.IDs {
			res.Embeddings[i] = byID[id]
		}
		return nil
	})
	if err != nil {
		return GetResult{}, err
	}
	return res, nil
}

func fillMetadata(mds *[]metadata.Metadata, docs, uris *[]string, rows []model.MetadataRecord, inc Include) {
	if inc.Has(IncludeMetadatas) {
		*mds = make([]metadata.Metadata, len(rows))
	}
	if inc.Has(IncludeDocuments) {
		*docs = make([]string, len(rows))
	}
	if inc.Has(IncludeURIs) {
		*uris = make([]string, len(rows))
	}
	for i, r := range rows {
		if inc.Has(IncludeMetadatas) {
			(*mds)[i] = r.Metadata.User()
		}
		if inc.Has(IncludeDocuments) {
			(*docs)[i], _ = r.Metadata.Document()
		}
		if inc.Has(IncludeURIs) {
			(*uris)[i], _ = r.Metadata.URI()
		}
	}
}

// Query returns the NResults nearest records of every query embedding.
func (c *Collection) Query(ctx context.Context, req QueryRequest) (QueryResult, error) {
	exit, err := c.db.enter()
	if err != nil {
		return QueryResult{}, err
	}
	defer exit()

	if len(req.Embeddings) == 0 {
		return QueryResult{}, invalidArgument("query embeddings must not be empty")
	}
	if req.NResults <= 0 {
		return QueryResult{}, invalidArgument("n_results must be positive, got %d", req.NResults)
	}
	if err := validateIDs(req.IDs); err != nil {
		return QueryResult{}, err
	}
	if err := validateFilters(req.Where, req.WhereDocument); err != nil {
		return QueryResult{}, err
	}
	dim := len(req.Embeddings[0])
	for _, q := range req.Embeddings {
		if len(q) == 0 {
			return QueryResult{}, invalidArgument("query embedding is empty")
		}
		if len(q) != dim {
			return QueryResult{}, &ErrDimensionMismatch{Expected: dim, Actual: len(q)}
		}
	}
	if req.Include == 0 {
		req.Include = DefaultQueryInclude
	}

	var res QueryResult
	err = c.db.retry(ctx, c.model.ID, "query", func(rv model.RequestVersionContext) error {
		var err error
		res, err = c.query(ctx, req, rv)
		return err
	})
	if err != nil {
		return QueryResult{}, err
	}
	return res, nil
}

// query runs the pipeline at one snapshot: metadata pre-filter, KNN over
// the allowed ids, metadata hydration of the hits.
func (c *Collection) query(ctx context.Context, req QueryRequest, rv model.RequestVersionContext) (QueryResult, error) {
	id := c.model.ID
	vec, err := c.db.manager.VectorSegment(ctx, id)
	if err != nil {
		return QueryResult{}, err
	}
	if d := vec.Dimension(); d != 0 && d != len(req.Embeddings[0]) {
		return QueryResult{}, &ErrDimensionMismatch{Expected: d, Actual: len(req.Embeddings[0])}
	}

	var meta segment.MetadataReader
	if req.Where != nil || req.WhereDocument != nil || req.Include.hydrates() {
		if meta, err = c.db.manager.MetadataSegment(ctx, id); err != nil {
			return QueryResult{}, err
		}
	}

	allowed := req.IDs
	if req.Where != nil || req.WhereDocument != nil {
		rows, err := meta.GetMetadata(ctx, model.MetadataQuery{
			Where:           req.Where,
			WhereDocument:   req.WhereDocument,
			IDs:             req.IDs,
			ExcludeMetadata: true,
			Version:         rv,
		})
		if err != nil {
			return QueryResult{}, err
		}
		allowed = make([]string, len(rows))
		for i, r := range rows {
			allowed[i] = r.ID
		}
	}

	hits, err := vec.QueryVectors(ctx, model.VectorQuery{
		Vectors:           req.Embeddings,
		K:                 req.NResults,
		AllowedIDs:        allowed,
		IncludeEmbeddings: req.Include.Has(IncludeEmbeddings),
		Version:           rv,
	})
	if err != nil {
		return QueryResult{}, err
	}

	nq := len(hits)
	res := QueryResult{IDs: make([][]string, nq)}
	if req.Include.Has(IncludeEmbeddings) {
		res.Embeddings = make([][][]float32, nq)
	}
	if req.Include.Has(IncludeDistances) {
		res.Distances = make([][]float32, nq)
	}
	if req.Include.Has(IncludeMetadatas) {
		res.Metadatas = make([][]metadata.Metadata, nq)
	}
	if req.Include.Has(IncludeDocuments) {
		res.Documents = make([][]string, nq)
	}
	if req.Include.Has(IncludeURIs) {
		res.URIs = make([][]string, nq)
	}

	var unique []string
	seen := make(map[string]struct{})
	for i, row := range hits {
		res.IDs[i] = make([]string, len(row))
		if res.Embeddings != nil {
			res.Embeddings[i] = make([][]float32, len(row))
		}
		if res.Distances != nil {
			res.Distances[i] = make([]float32, len(row))
		}
		for j, h := range row {
			res.IDs[i][j] = h.ID
			if res.Embeddings != nil {
				res.Embeddings[i][j] = h.Embedding
			}
			if res.Distances != nil {
				res.Distances[i][j] = h.Distance
			}
			if _, ok := seen[h.ID]; !ok {
				seen[h.ID] = struct{}{}
				unique = append(unique, h.ID)
			}
		}
	}
	if !req.Include.hydrates() {
		return res, nil
	}

	byID := make(map[string]model.MetadataRecord, len(unique))
	if len(unique) > 0 {
		rows, err := meta.GetMetadata(ctx, model.MetadataQuery{IDs: unique, Version: rv})
		if err != nil {
			return QueryResult{}, err
		}
		for _, r := range rows {
			byID[r.ID] = r
		}
	}
	for i, ids := range res.IDs {
		rows := make([]model.MetadataRecord, len(ids))
		for j, hid := range ids {
			rows[j] = byID[hid]
		}
		var mds []metadata.Metadata
		var docs, uris []string
		fillMetadata(&mds, &docs, &uris, rows, req.Include)
		if res.Metadatas != nil {
			res.Metadatas[i] = mds
		}
		if res.Documents != nil {
			res.Documents[i] = docs
		}
		if res.URIs != nil {
			res.URIs[i] = uris
		}
	}
	return res, nil
}
