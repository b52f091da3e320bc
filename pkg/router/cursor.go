package router

import (
	"bytes"
	"context"
	"fmt"
	"sort"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// shardCursor is the subset of mongo.Cursor the multishard cursor drives.
// It exists so cursor-merging logic can be exercised against fakes.
type shardCursor interface {
	Next(ctx context.Context) bool
	Decode(val interface{}) error
	Err() error
	Close(ctx context.Context) error
	ID() int64
	RemainingBatchLength() int
}

type openFunc func(ctx context.Context, t target, opts *options.FindOptions) (shardCursor, error)

// MultishardCursor iterates the results of a find across every location
// holding part of a collection. Per-location cursors are drained in order.
//
// When the cursor resolves to a single location, sorting and limiting are
// delegated to the server. Otherwise all results are materialized and
// sorted or truncated in memory: correct, and knowingly expensive for large
// result sets. Skips are always applied client-side.
//
// Sort, Limit, Skip and Hint must be called before the first Next.
type MultishardCursor struct {
	router     *Router
	collection string
	query      bson.M

	sortSpec bson.D
	limit    int64
	skip     int64
	hintIdx  interface{}

	open openFunc

	prepared   bool
	multi      bool
	useCached  bool
	pending    []target
	current    shardCursor
	cached     []bson.M
	skipped    int64
	currentDoc bson.M
	err        error
}

func newMultishardCursor(r *Router, collectionName string, query bson.M) *MultishardCursor {
	c := &MultishardCursor{
		router:     r,
		collection: collectionName,
		query:      query,
	}
	c.open = func(ctx context.Context, t target, opts *options.FindOptions) (shardCursor, error) {
		return t.coll.Find(ctx, t.query, opts)
	}
	return c
}

// Sort orders results by the given specification
func (c *MultishardCursor) Sort(spec bson.D) *MultishardCursor {
	c.sortSpec = spec
	return c
}

// Limit caps the number of results returned
func (c *MultishardCursor) Limit(n int64) *MultishardCursor {
	c.limit = n
	return c
}

// Skip discards the first n results. Skipping is applied client-side, after
// any merge.
func (c *MultishardCursor) Skip(n int64) *MultishardCursor {
	c.skip = n
	return c
}

// Hint forwards an index hint to every per-location query
func (c *MultishardCursor) Hint(index interface{}) *MultishardCursor {
	c.hintIdx = index
	return c
}

// Clone returns an unevaluated copy of the cursor
func (c *MultishardCursor) Clone() *MultishardCursor {
	clone := newMultishardCursor(c.router, c.collection, c.query)
	clone.sortSpec = c.sortSpec
	clone.limit = c.limit
	clone.skip = c.skip
	clone.hintIdx = c.hintIdx
	clone.open = c.open
	return clone
}

// At returns the i-th result, equivalent to Clone().Skip(i).Limit(1)
func (c *MultishardCursor) At(ctx context.Context, i int64) (bson.M, error) {
	clone := c.Clone().Skip(i).Limit(1)
	defer clone.Close(ctx)
	if !clone.Next(ctx) {
		if err := clone.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("no result at index %d", i)
	}
	return clone.currentDoc, nil
}

// Slice returns a cursor over results [start, stop). A stop of 0 leaves the
// cursor unbounded.
func (c *MultishardCursor) Slice(start, stop int64) *MultishardCursor {
	clone := c.Clone().Skip(start)
	if stop > 0 {
		clone.Limit(stop - start)
	} else {
		clone.Limit(0)
	}
	return clone
}

func (c *MultishardCursor) findOptions() *options.FindOptions {
	opts := options.Find()
	if c.sortSpec != nil {
		opts.SetSort(c.sortSpec)
	}
	if c.limit > 0 {
		// Skipping happens after the merge, so each location must return
		// enough rows to survive it
		opts.SetLimit(c.limit + c.skip)
	}
	if c.hintIdx != nil {
		opts.SetHint(c.hintIdx)
	}
	return opts
}

func (c *MultishardCursor) prepare(ctx context.Context) error {
	targets, _, err := c.router.targetsForQuery(ctx, c.collection, c.query)
	if err != nil {
		return err
	}
	c.pending = targets
	c.prepared = true
	c.multi = len(targets) > 1
	c.skipped = 0

	if c.multi && (c.sortSpec != nil || c.limit > 0) {
		return c.materialize(ctx)
	}
	return nil
}

// materialize drains every per-location cursor into memory, then sorts and
// windows the combined results
func (c *MultishardCursor) materialize(ctx context.Context) error {
	var docs []bson.M
	for _, t := range c.pending {
		cur, err := c.open(ctx, t, c.findOptions())
		if err != nil {
			return err
		}
		for cur.Next(ctx) {
			var doc bson.M
			if err := cur.Decode(&doc); err != nil {
				_ = cur.Close(ctx)
				return err
			}
			docs = append(docs, doc)
		}
		err = cur.Err()
		_ = cur.Close(ctx)
		if err != nil {
			return err
		}
	}
	c.pending = nil

	if c.sortSpec != nil {
		sortDocs(docs, c.sortSpec)
	}
	c.cached = window(docs, c.skip, c.limit)
	c.useCached = true
	c.skipped = c.skip
	return nil
}

func (c *MultishardCursor) nextCursor(ctx context.Context) error {
	t := c.pending[0]
	c.pending = c.pending[1:]
	cur, err := c.open(ctx, t, c.findOptions())
	if err != nil {
		return err
	}
	c.current = cur
	return nil
}

// nextFromStream pulls the next document from the current per-location
// cursor, moving on to the next location as each is exhausted
func (c *MultishardCursor) nextFromStream(ctx context.Context) (bson.M, bool, error) {
	for {
		if c.current == nil {
			if len(c.pending) == 0 {
				return nil, false, nil
			}
			if err := c.nextCursor(ctx); err != nil {
				return nil, false, err
			}
		}
		if c.current.Next(ctx) {
			var doc bson.M
			if err := c.current.Decode(&doc); err != nil {
				return nil, false, err
			}
			return doc, true, nil
		}
		if err := c.current.Err(); err != nil {
			return nil, false, err
		}
		_ = c.current.Close(ctx)
		c.current = nil
	}
}

// Next advances the cursor, reporting whether a document is available
func (c *MultishardCursor) Next(ctx context.Context) bool {
	if c.err != nil {
		return false
	}
	if !c.prepared {
		if err := c.prepare(ctx); err != nil {
			c.err = err
			return false
		}
	}

	if c.useCached {
		if len(c.cached) == 0 {
			return false
		}
		c.currentDoc = c.cached[0]
		c.cached = c.cached[1:]
		return true
	}

	for {
		doc, ok, err := c.nextFromStream(ctx)
		if err != nil {
			c.err = err
			return false
		}
		if !ok {
			return false
		}
		if c.skipped < c.skip {
			c.skipped++
			continue
		}
		c.currentDoc = doc
		return true
	}
}

// Decode unmarshals the current document into val
func (c *MultishardCursor) Decode(val interface{}) error {
	if c.currentDoc == nil {
		return fmt.Errorf("no current document to decode")
	}
	raw, err := bson.Marshal(c.currentDoc)
	if err != nil {
		return err
	}
	return bson.Unmarshal(raw, val)
}

// Current returns the current document
func (c *MultishardCursor) Current() bson.M {
	return c.currentDoc
}

// Err returns the first error the cursor encountered
func (c *MultishardCursor) Err() error {
	return c.err
}

// All drains the cursor into results
func (c *MultishardCursor) All(ctx context.Context, results *[]bson.M) error {
	defer c.Close(ctx)
	for c.Next(ctx) {
		*results = append(*results, c.currentDoc)
	}
	return c.Err()
}

// Close releases the cursor's resources
func (c *MultishardCursor) Close(ctx context.Context) error {
	if c.current != nil {
		_ = c.current.Close(ctx)
		c.current = nil
	}
	c.pending = nil
	c.cached = nil
	return nil
}

// Rewind resets the cursor so the next iteration reissues its queries
func (c *MultishardCursor) Rewind(ctx context.Context) {
	_ = c.Close(ctx)
	c.prepared = false
	c.useCached = false
	c.skipped = 0
	c.currentDoc = nil
	c.err = nil
}

// Alive reports whether iterating further may yield results: the current
// per-location cursor has more, results remain cached, or further locations
// are pending
func (c *MultishardCursor) Alive(ctx context.Context) bool {
	if c.err != nil {
		return false
	}
	if !c.prepared {
		if err := c.prepare(ctx); err != nil {
			c.err = err
			return false
		}
	}
	if c.useCached {
		return len(c.cached) > 0
	}
	for {
		if c.current != nil &&
			(c.current.RemainingBatchLength() > 0 || c.current.ID() != 0) {
			return true
		}
		if len(c.pending) == 0 {
			return false
		}
		if c.current != nil {
			_ = c.current.Close(ctx)
			c.current = nil
		}
		if err := c.nextCursor(ctx); err != nil {
			c.err = err
			return false
		}
	}
}

// Count sums the per-location counts for the cursor's query, clamped by any
// active limit
func (c *MultishardCursor) Count(ctx context.Context) (int64, error) {
	targets, _, err := c.router.targetsForQuery(ctx, c.collection, c.query)
	if err != nil {
		return 0, err
	}

	countOpts := options.Count()
	if c.hintIdx != nil {
		countOpts.SetHint(c.hintIdx)
	}

	var total int64
	for _, t := range targets {
		n, err := t.coll.CountDocuments(ctx, t.query, countOpts)
		if err != nil {
			return 0, fmt.Errorf("count on %s at %s failed: %w",
				c.collection, t.location, err)
		}
		total += n
	}
	if c.limit > 0 && total > c.limit {
		return c.limit, nil
	}
	return total, nil
}

// Explain runs the query planner at every location. Nothing is executed
// until Explain is called.
func (c *MultishardCursor) Explain(ctx context.Context) (map[string]bson.M, error) {
	targets, _, err := c.router.targetsForQuery(ctx, c.collection, c.query)
	if err != nil {
		return nil, err
	}

	explains := make(map[string]bson.M, len(targets))
	for _, t := range targets {
		var result bson.M
		err := t.coll.Database().RunCommand(ctx, bson.D{
			{Key: "explain", Value: bson.D{
				{Key: "find", Value: c.collection},
				{Key: "filter", Value: t.query},
			}},
		}).Decode(&result)
		if err != nil {
			return nil, fmt.Errorf("explain on %s at %s failed: %w",
				c.collection, t.location, err)
		}
		explains[t.location] = result
	}
	return explains, nil
}

// window applies skip and limit to materialized results
func window(docs []bson.M, skip, limit int64) []bson.M {
	start := skip
	if start > int64(len(docs)) {
		start = int64(len(docs))
	}
	end := int64(len(docs))
	if limit > 0 && start+limit < end {
		end = start + limit
	}
	return docs[start:end]
}

// sortDocs sorts documents in memory by a find-style sort specification
func sortDocs(docs []bson.M, spec bson.D) {
	sort.SliceStable(docs, func(i, j int) bool {
		for _, field := range spec {
			direction := sortDirection(field.Value)
			cmp := compareBSONValues(docs[i][field.Key], docs[j][field.Key])
			if cmp != 0 {
				if direction < 0 {
					return cmp > 0
				}
				return cmp < 0
			}
		}
		return false
	})
}

func sortDirection(v interface{}) int {
	switch d := v.(type) {
	case int:
		return d
	case int32:
		return int(d)
	case int64:
		return int(d)
	case float64:
		if d < 0 {
			return -1
		}
		return 1
	default:
		return 1
	}
}

// compareBSONValues orders the value types that can appear under a sort
// key. Mixed types order by type name, which keeps the sort total without
// fully reproducing the server's canonical ordering.
func compareBSONValues(a, b interface{}) int {
	an, aIsNum := asFloat(a)
	bn, bIsNum := asFloat(b)
	if aIsNum && bIsNum {
		switch {
		case an < bn:
			return -1
		case an > bn:
			return 1
		default:
			return 0
		}
	}

	switch av := a.(type) {
	case string:
		if bv, ok := b.(string); ok {
			switch {
			case av < bv:
				return -1
			case av > bv:
				return 1
			default:
				return 0
			}
		}
	case primitive.ObjectID:
		if bv, ok := b.(primitive.ObjectID); ok {
			return bytes.Compare(av[:], bv[:])
		}
	case primitive.DateTime:
		if bv, ok := b.(primitive.DateTime); ok {
			switch {
			case av < bv:
				return -1
			case av > bv:
				return 1
			default:
				return 0
			}
		}
	case bool:
		if bv, ok := b.(bool); ok {
			switch {
			case av == bv:
				return 0
			case !av:
				return -1
			default:
				return 1
			}
		}
	case nil:
		if b == nil {
			return 0
		}
		return -1
	}
	if b == nil {
		return 1
	}

	at := fmt.Sprintf("%T", a)
	bt := fmt.Sprintf("%T", b)
	switch {
	case at < bt:
		return -1
	case at > bt:
		return 1
	default:
		return 0
	}
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	default:
		return 0, false
	}
}
