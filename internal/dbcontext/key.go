package dbcontext

import (
	"fmt"
	"strings"

	"github.com/duckmesh/sqlrag/internal/config"
)

type Key struct {
	DBType string
	DBName string
}

// NewKey folds type aliases so "postgresql" and "postgres" name the same
// database.
func NewKey(dbType, dbName string) Key {
	return Key{DBType: config.CanonicalDBType(dbType), DBName: strings.TrimSpace(dbName)}
}

func (k Key) String() string {
	return fmt.Sprintf("%s:%s", k.DBType, k.DBName)
}

type State int32

const (
	StateReady State = iota
	StateRefreshing
	StateRefreshed
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateRefreshing:
		return "refreshing"
	case StateRefreshed:
		return "refreshed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}
