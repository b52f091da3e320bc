// Package errors defines the error kinds surfaced by shardmonster.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Kind identifies the class of a sharding error
type Kind string

const (
	KindUnknownCluster          Kind = "UNKNOWN_CLUSTER"
	KindInvalidLocation         Kind = "INVALID_LOCATION"
	KindRealmImmutable          Kind = "REALM_IMMUTABLE"
	KindShardAlreadyPlaced      Kind = "SHARD_ALREADY_PLACED"
	KindAlreadyThere            Kind = "ALREADY_THERE"
	KindConcurrentMigration     Kind = "CONCURRENT_MIGRATION"
	KindMissingShardField       Kind = "MISSING_SHARD_FIELD"
	KindMultipleShardsInTransit Kind = "MULTIPLE_SHARDS_IN_TRANSIT"
	KindHiddenSecondary         Kind = "HIDDEN_SECONDARY"
)

// Error represents an application error
type Error struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a new error
func New(kind Kind, message string) *Error {
	return &Error{
		Kind:    kind,
		Message: message,
	}
}

// Newf creates a new error with a formatted message
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return New(kind, fmt.Sprintf(format, args...))
}

// Wrap wraps an existing error
func Wrap(err error, kind Kind, message string) *Error {
	return &Error{
		Kind:    kind,
		Message: message,
		Err:     err,
	}
}

// Is reports whether err, or any error it wraps, carries the given kind
func Is(err error, kind Kind) bool {
	var e *Error
	for stderrors.As(err, &e) {
		if e.Kind == kind {
			return true
		}
		err = e.Err
	}
	return false
}

// UnknownCluster indicates a cluster name that has not been configured
func UnknownCluster(name string) *Error {
	return Newf(KindUnknownCluster, "cluster %s has not been configured", name)
}

// InvalidLocation indicates a location string not of the form cluster/db
func InvalidLocation(location string) *Error {
	return Newf(KindInvalidLocation, "location must be of the form cluster/db and not %s", location)
}

// RealmImmutable indicates an attempt to change an already-created realm
func RealmImmutable(name string) *Error {
	return Newf(KindRealmImmutable, "cannot change realm %s after creation", name)
}

// ShardAlreadyPlaced indicates a shard that has already been placed somewhere
func ShardAlreadyPlaced(realm string, shardKey interface{}) *Error {
	return Newf(KindShardAlreadyPlaced,
		"shard with key %v in realm %s has already been placed, use force if you really want to do this",
		shardKey, realm)
}

// AlreadyThere indicates a migration target equal to the current location
func AlreadyThere(location string) *Error {
	return Newf(KindAlreadyThere, "shard is already at %s", location)
}

// ConcurrentMigration indicates a migration attempted while another is active
func ConcurrentMigration() *Error {
	return New(KindConcurrentMigration, "cannot start migration when another migration is in progress")
}

// MissingShardField indicates an operation missing the realm's shard field
func MissingShardField(field string) *Error {
	return Newf(KindMissingShardField, "cannot perform operation without shard field (%s) present", field)
}

// MultipleShardsInTransit indicates more than one shard moving in a realm
func MultipleShardsInTransit() *Error {
	return New(KindMultipleShardsInTransit, "multiple shards in transit, aborting")
}

// HiddenSecondary indicates a misconfigured hidden secondary
func HiddenSecondary(message string) *Error {
	return New(KindHiddenSecondary, message)
}
