package storage

import (
	"fmt"
	"path"
	"regexp"
)

var pathComponentPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,127}$`)

const snapshotExtension = ".parquet"

// BuildSnapshotPath returns <db_type>/<db_name>/<index>.parquet.
func BuildSnapshotPath(dbType, dbName, index string) (string, error) {
	if err := validatePathComponent(dbType, "db type"); err != nil {
		return "", err
	}
	if err := validatePathComponent(dbName, "db name"); err != nil {
		return "", err
	}
	if err := validatePathComponent(index, "index name"); err != nil {
		return "", err
	}
	return path.Join(dbType, dbName, index+snapshotExtension), nil
}

func validatePathComponent(value, field string) error {
	if !pathComponentPattern.MatchString(value) {
		return fmt.Errorf("invalid %s: %q", field, value)
	}
	return nil
}
