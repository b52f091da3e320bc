package router

import (
	"testing"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/conversocial/shardmonster/internal/errors"
	"github.com/conversocial/shardmonster/pkg/metadata"
	"github.com/conversocial/shardmonster/pkg/models"
)

var testRealm = models.Realm{
	Name:        "dummy",
	ShardField:  "x",
	Collection:  "dummy",
	DefaultDest: "cluster-1/db",
}

func TestQueryTarget(t *testing.T) {
	oid := primitive.NewObjectID()

	cases := []struct {
		name     string
		query    bson.M
		targeted bool
	}{
		{"int value", bson.M{"x": 1}, true},
		{"string value", bson.M{"x": "abc"}, true},
		{"object id", bson.M{"x": oid}, true},
		{"missing field", bson.M{"y": 1}, false},
		{"operator form", bson.M{"x": bson.M{"$gt": 5}}, false},
		{"float value", bson.M{"x": 1.5}, false},
		{"empty query", bson.M{}, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, targeted := queryTarget(testRealm, c.query)
			if targeted != c.targeted {
				t.Errorf("Expected targeted=%v for %v", c.targeted, c.query)
			}
		})
	}
}

func TestRefineQuery_NoExcludes(t *testing.T) {
	query := bson.M{"y": 1}
	refined, err := refineQuery(query, "x", &metadata.LocationMetadata{Location: "c/d"})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(refined) != 1 || refined["y"] != 1 {
		t.Errorf("Expected query unchanged, got %v", refined)
	}
}

func TestRefineQuery_SingleExclude(t *testing.T) {
	query := bson.M{"y": 1}
	meta := &metadata.LocationMetadata{
		Location: "c/d",
		Excludes: []models.ShardKey{models.IntKey(2)},
	}

	refined, err := refineQuery(query, "x", meta)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	and, ok := refined["$and"].([]bson.M)
	if !ok || len(and) != 2 {
		t.Fatalf("Expected $and with two clauses, got %v", refined)
	}
	if and[0]["y"] != 1 {
		t.Errorf("Expected original query first, got %v", and[0])
	}
	ne, ok := and[1]["x"].(bson.M)
	if !ok || ne["$ne"] != int64(2) {
		t.Errorf("Expected x != 2 clause, got %v", and[1])
	}
}

func TestRefineQuery_MultipleExcludes(t *testing.T) {
	meta := &metadata.LocationMetadata{
		Location: "c/d",
		Excludes: []models.ShardKey{models.IntKey(1), models.IntKey(2)},
	}
	_, err := refineQuery(bson.M{}, "x", meta)
	if !errors.Is(err, errors.KindMultipleShardsInTransit) {
		t.Errorf("Expected MultipleShardsInTransit, got %v", err)
	}
}

func TestUpsertTargetKey(t *testing.T) {
	// Shard key inside $set
	key, ok := upsertTargetKey(testRealm, bson.M{"$set": bson.M{"x": 1, "y": 2}})
	if !ok || key.Value() != int64(1) {
		t.Errorf("Expected key 1 from $set, got %v ok=%v", key, ok)
	}

	// Full-document replacement carrying the shard key
	key, ok = upsertTargetKey(testRealm, bson.M{"x": "k", "y": 2})
	if !ok || key.Value() != "k" {
		t.Errorf("Expected key k from replacement doc, got %v ok=%v", key, ok)
	}

	// No shard key anywhere
	if _, ok := upsertTargetKey(testRealm, bson.M{"$set": bson.M{"y": 2}}); ok {
		t.Error("Expected no target key")
	}

	// Operator update without $set binding the field
	if _, ok := upsertTargetKey(testRealm, bson.M{"$inc": bson.M{"x": 1}}); ok {
		t.Error("Expected no target key for $inc update")
	}
}
