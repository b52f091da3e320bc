package api

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/conversocial/shardmonster/pkg/router"
)

// Collection proxies a logical collection and routes every operation to the
// physical locations holding its shards
type Collection struct {
	name   string
	router *router.Router
}

// Name returns the logical collection name
func (c *Collection) Name() string {
	return c.name
}

// Find returns a multishard cursor over matching documents
func (c *Collection) Find(query bson.M) *router.MultishardCursor {
	return c.router.Find(c.name, query)
}

// FindOne decodes the first matching document into result, returning
// mongo.ErrNoDocuments when nothing matches
func (c *Collection) FindOne(ctx context.Context, query bson.M, result interface{}) error {
	return c.router.FindOne(ctx, c.name, query, result)
}

// Insert routes each document to the location owning its shard key
func (c *Collection) Insert(ctx context.Context, docs ...bson.M) error {
	return c.router.Insert(ctx, c.name, docs...)
}

// Update applies an update wherever the query may match
func (c *Collection) Update(ctx context.Context, query, update bson.M, opts router.UpdateOptions) (*router.WriteResult, error) {
	return c.router.Update(ctx, c.name, query, update, opts)
}

// Remove deletes matching documents at every location
func (c *Collection) Remove(ctx context.Context, query bson.M) (*router.WriteResult, error) {
	return c.router.Remove(ctx, c.name, query)
}

// Save upserts a document by _id at the location owning its shard key
func (c *Collection) Save(ctx context.Context, doc bson.M) error {
	return c.router.Save(ctx, c.name, doc)
}

// Aggregate runs a pipeline whose leading $match binds the shard field
func (c *Collection) Aggregate(ctx context.Context, pipeline []bson.M) (*mongo.Cursor, error) {
	return c.router.Aggregate(ctx, c.name, pipeline)
}

// FindAndModify updates one document on its shard and decodes the
// pre-update image into result
func (c *Collection) FindAndModify(ctx context.Context, query, update bson.M, result interface{}) error {
	return c.router.FindAndModify(ctx, c.name, query, update, result)
}

// EnsureIndex applies an index at every location holding the collection
func (c *Collection) EnsureIndex(ctx context.Context, model mongo.IndexModel) error {
	return c.router.EnsureIndex(ctx, c.name, model)
}
