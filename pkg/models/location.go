package models

import (
	"strings"

	"github.com/conversocial/shardmonster/internal/errors"
)

// ParseLocation parses a location of the form cluster/database into its two
// parts.
//
//	ParseLocation("cluster1/some_db") -> ("cluster1", "some_db", nil)
func ParseLocation(location string) (cluster, database string, err error) {
	if strings.Count(location, "/") != 1 {
		return "", "", errors.InvalidLocation(location)
	}
	parts := strings.SplitN(location, "/", 2)
	return parts[0], parts[1], nil
}
