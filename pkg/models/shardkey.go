package models

import (
	"fmt"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// ShardKeyKind discriminates the supported shard key types
type ShardKeyKind int

const (
	KeyInt ShardKeyKind = iota
	KeyString
	KeyObjectID
)

// ShardKey is the value of a realm's shard field in a document. Only
// integers, strings and object IDs may be used as shard keys; any other
// value in the shard field makes a query untargeted.
//
// ShardKey is comparable and is used as a map key throughout the metadata
// caches.
type ShardKey struct {
	kind ShardKeyKind
	i    int64
	s    string
	oid  primitive.ObjectID
}

// IntKey builds a shard key from an integer
func IntKey(i int64) ShardKey {
	return ShardKey{kind: KeyInt, i: i}
}

// StringKey builds a shard key from a string
func StringKey(s string) ShardKey {
	return ShardKey{kind: KeyString, s: s}
}

// ObjectIDKey builds a shard key from an object ID
func ObjectIDKey(oid primitive.ObjectID) ShardKey {
	return ShardKey{kind: KeyObjectID, oid: oid}
}

// ShardKeyFromValue converts a raw BSON value into a ShardKey. The second
// return value is false when the value is not a valid shard key type, which
// callers treat as "untargeted".
func ShardKeyFromValue(v interface{}) (ShardKey, bool) {
	switch val := v.(type) {
	case int:
		return IntKey(int64(val)), true
	case int32:
		return IntKey(int64(val)), true
	case int64:
		return IntKey(val), true
	case string:
		return StringKey(val), true
	case primitive.ObjectID:
		return ObjectIDKey(val), true
	default:
		return ShardKey{}, false
	}
}

// Kind returns the key's discriminator
func (k ShardKey) Kind() ShardKeyKind {
	return k.kind
}

// Value returns the BSON-ready native value of the key
func (k ShardKey) Value() interface{} {
	switch k.kind {
	case KeyInt:
		return k.i
	case KeyString:
		return k.s
	default:
		return k.oid
	}
}

func (k ShardKey) String() string {
	switch k.kind {
	case KeyInt:
		return fmt.Sprintf("%d", k.i)
	case KeyString:
		return k.s
	default:
		return k.oid.Hex()
	}
}
