package storage

import (
	"errors"
	"path/filepath"
	"strings"
)

// DefaultDBName is the database file created inside the data dir.
const DefaultDBName = "polishgo.db"

// ErrDataDirNotConfigured indicates the data dir is empty.
var ErrDataDirNotConfigured = errors.New("data_dir is not configured")

// OpenInDataDir opens dbPath, or DefaultDBName under dataDir when dbPath is empty.
func OpenInDataDir(dataDir, dbPath string) (*Store, error) {
	if strings.TrimSpace(dbPath) != "" {
		return Open(dbPath)
	}
	dataDir = strings.TrimSpace(dataDir)
	if dataDir == "" {
		return nil, ErrDataDirNotConfigured
	}
	return Open(filepath.Join(dataDir, DefaultDBName))
}
