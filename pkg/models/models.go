// Package models holds the controller database records and the shard
// lifecycle types shared across the sharding system.
package models

// Cluster names a physical cluster and how to reach it
type Cluster struct {
	Name                string `bson:"name" json:"name"`
	URI                 string `bson:"uri" json:"uri"`
	HiddenSecondaryHost string `bson:"hidden_secondary_host,omitempty" json:"hidden_secondary_host,omitempty"`
}

// Realm defines a logical sharded collection: which document field is the
// shard key and where unplaced keys live by default. Realms are immutable
// after creation.
type Realm struct {
	Name        string `bson:"name" json:"name"`
	ShardField  string `bson:"shard_field" json:"shard_field"`
	Collection  string `bson:"collection" json:"collection"`
	DefaultDest string `bson:"default_dest" json:"default_dest"`
	ShardType   string `bson:"shard_type,omitempty" json:"shard_type,omitempty"`
}

// ShardTypeSingleValue is the only supported placement strategy: one shard
// per explicitly-placed shard-key value.
const ShardTypeSingleValue = "single_value"

// ShardRecord is one controller record per explicitly-placed shard-key
// value. Absence of a record means the key lives at the realm's default
// destination, at rest.
type ShardRecord struct {
	Realm       string      `bson:"realm" json:"realm"`
	ShardKey    interface{} `bson:"shard_key" json:"shard_key"`
	Location    string      `bson:"location" json:"location"`
	NewLocation string      `bson:"new_location,omitempty" json:"new_location,omitempty"`
	Status      ShardStatus `bson:"status" json:"status"`
}

// Key converts the record's raw shard key into its typed form
func (s ShardRecord) Key() (ShardKey, bool) {
	return ShardKeyFromValue(s.ShardKey)
}

// AuthoritativeLocation is the location whose copy of the shard's documents
// is the source of truth for reads in the record's current status.
func (s ShardRecord) AuthoritativeLocation() string {
	if PostMigrationPhases[s.Status] {
		return s.NewLocation
	}
	return s.Location
}

// Controller collection names
const (
	RealmsCollection   = "realms"
	ShardsCollection   = "shards"
	ClustersCollection = "clusters"
)
