package proxy

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/iTrooz/strategy-cache-proxy/internal/config"
	"github.com/iTrooz/strategy-cache-proxy/internal/store"
	"github.com/iTrooz/strategy-cache-proxy/internal/store/leveldb"
	"github.com/iTrooz/strategy-cache-proxy/internal/store/memory"
	"github.com/iTrooz/strategy-cache-proxy/internal/store/sqlite"
)

// openStore opens the cache store selected by the storage driver
func openStore(cfg config.StorageConfig) (store.Store, error) {
	switch cfg.Driver {
	case "", config.DriverMemory:
		logrus.Debugf("Using in-memory cache store")
		return memory.New(), nil
	case config.DriverSQLite:
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create storage directory: %w", err)
		}
		st, err := sqlite.New(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite store %s: %w", cfg.Path, err)
		}
		logrus.Debugf("Using sqlite cache store at %s", cfg.Path)
		return st, nil
	case config.DriverLevelDB:
		st, err := leveldb.New(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open leveldb store %s: %w", cfg.Path, err)
		}
		logrus.Debugf("Using leveldb cache store at %s", cfg.Path)
		return st, nil
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", cfg.Driver)
	}
}
