package models

import (
	"testing"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/conversocial/shardmonster/internal/errors"
)

func TestParseLocation(t *testing.T) {
	cluster, database, err := ParseLocation("cluster1/some_db")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if cluster != "cluster1" || database != "some_db" {
		t.Errorf("Expected cluster1/some_db, got %s/%s", cluster, database)
	}
}

func TestParseLocation_Invalid(t *testing.T) {
	for _, loc := range []string{"nodivider", "a/b/c", "", "a/b/"} {
		_, _, err := ParseLocation(loc)
		if !errors.Is(err, errors.KindInvalidLocation) {
			t.Errorf("Expected InvalidLocation for %q, got %v", loc, err)
		}
	}
}

func TestShardKeyFromValue(t *testing.T) {
	oid := primitive.NewObjectID()

	cases := []struct {
		in   interface{}
		ok   bool
		kind ShardKeyKind
	}{
		{5, true, KeyInt},
		{int32(5), true, KeyInt},
		{int64(5), true, KeyInt},
		{"user-1", true, KeyString},
		{oid, true, KeyObjectID},
		{5.5, false, 0},
		{map[string]interface{}{"$gt": 5}, false, 0},
		{nil, false, 0},
		{true, false, 0},
	}
	for _, c := range cases {
		key, ok := ShardKeyFromValue(c.in)
		if ok != c.ok {
			t.Errorf("ShardKeyFromValue(%v): expected ok=%v, got %v", c.in, c.ok, ok)
			continue
		}
		if ok && key.Kind() != c.kind {
			t.Errorf("ShardKeyFromValue(%v): expected kind %v, got %v", c.in, c.kind, key.Kind())
		}
	}
}

func TestShardKey_Comparable(t *testing.T) {
	// Integer widths must collapse to the same key
	a, _ := ShardKeyFromValue(int32(7))
	b, _ := ShardKeyFromValue(int64(7))
	if a != b {
		t.Error("Expected int32(7) and int64(7) to produce equal keys")
	}

	m := map[ShardKey]string{a: "x"}
	if m[b] != "x" {
		t.Error("Expected equal keys to index the same map entry")
	}

	c := StringKey("7")
	if a == c {
		t.Error("Expected int key and string key to differ")
	}
}

func TestShardKey_Value(t *testing.T) {
	oid := primitive.NewObjectID()
	if v := IntKey(3).Value(); v != int64(3) {
		t.Errorf("Expected int64(3), got %T %v", v, v)
	}
	if v := StringKey("s").Value(); v != "s" {
		t.Errorf("Expected s, got %v", v)
	}
	if v := ObjectIDKey(oid).Value(); v != oid {
		t.Errorf("Expected %v, got %v", oid, v)
	}
}

func TestShardRecord_AuthoritativeLocation(t *testing.T) {
	rec := ShardRecord{Location: "c1/db", NewLocation: "c2/db"}

	for status, expected := range map[ShardStatus]string{
		AtRest:                           "c1/db",
		MigratingCopy:                    "c1/db",
		MigratingSync:                    "c1/db",
		PostMigrationPausedAtSource:      "c1/db",
		PostMigrationPausedAtDestination: "c2/db",
		PostMigrationDelete:              "c2/db",
	} {
		rec.Status = status
		if got := rec.AuthoritativeLocation(); got != expected {
			t.Errorf("Status %s: expected %s, got %s", status, expected, got)
		}
	}
}

func TestPhaseSets(t *testing.T) {
	if !ShortCachePhases[MigratingSync] || !ShortCachePhases[PostMigrationPausedAtSource] ||
		!ShortCachePhases[PostMigrationPausedAtDestination] {
		t.Error("Short cache phases incomplete")
	}
	if ShortCachePhases[MigratingCopy] || ShortCachePhases[PostMigrationDelete] {
		t.Error("Short cache phases too broad")
	}
	if len(ActiveStatuses()) != 5 {
		t.Errorf("Expected 5 active statuses, got %d", len(ActiveStatuses()))
	}
	for _, s := range ActiveStatuses() {
		if !ActivePhases[s] {
			t.Errorf("Status %s missing from ActivePhases", s)
		}
	}
}
