package api

import (
	"testing"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

func TestShardKeyConversion(t *testing.T) {
	for _, v := range []interface{}{5, int32(5), int64(5), "user", primitive.NewObjectID()} {
		if _, err := shardKey(v); err != nil {
			t.Errorf("Expected %T to be a valid shard key: %v", v, err)
		}
	}

	for _, v := range []interface{}{5.5, nil, true, []int{1}} {
		if _, err := shardKey(v); err == nil {
			t.Errorf("Expected %T to be rejected as a shard key", v)
		}
	}
}

func TestCollectionName(t *testing.T) {
	c := &Collection{name: "dummy"}
	if c.Name() != "dummy" {
		t.Errorf("Unexpected collection name %s", c.Name())
	}
}
