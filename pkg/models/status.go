package models

// ShardStatus is the lifecycle state of a shard. The wire strings are stable;
// they are persisted in the controller database and must not change.
type ShardStatus string

const (
	AtRest                           ShardStatus = "at-rest"
	MigratingCopy                    ShardStatus = "migrating-copy"
	MigratingSync                    ShardStatus = "migrating-sync"
	PostMigrationPausedAtSource      ShardStatus = "post-migration-paused-at-source"
	PostMigrationPausedAtDestination ShardStatus = "post-migration-paused-destination"
	PostMigrationDelete              ShardStatus = "post-migration-delete"
)

// MigrationPhases are the states in which the source location is still
// authoritative while the target is being populated.
//
// PostMigrationPausedAtSource is retained for compatibility with existing
// metadata; the migration worker transitions MigratingSync directly to
// PostMigrationPausedAtDestination and never sets it.
var MigrationPhases = map[ShardStatus]bool{
	MigratingCopy:               true,
	MigratingSync:               true,
	PostMigrationPausedAtSource: true,
}

// PostMigrationPhases are the states in which the target location is
// authoritative and the source is being drained.
var PostMigrationPhases = map[ShardStatus]bool{
	PostMigrationPausedAtDestination: true,
	PostMigrationDelete:              true,
}

// ShortCachePhases are the states during which caching of the shard's
// metadata must be disabled.
var ShortCachePhases = map[ShardStatus]bool{
	MigratingSync:                    true,
	PostMigrationPausedAtSource:      true,
	PostMigrationPausedAtDestination: true,
}

// ActivePhases covers every non-resting state. A shard in any of these
// states blocks the start of another migration.
var ActivePhases = map[ShardStatus]bool{
	MigratingCopy:                    true,
	MigratingSync:                    true,
	PostMigrationPausedAtSource:      true,
	PostMigrationPausedAtDestination: true,
	PostMigrationDelete:              true,
}

// ActiveStatuses returns the active states as a slice, for $in queries.
func ActiveStatuses() []ShardStatus {
	return []ShardStatus{
		MigratingCopy,
		MigratingSync,
		PostMigrationPausedAtSource,
		PostMigrationPausedAtDestination,
		PostMigrationDelete,
	}
}
