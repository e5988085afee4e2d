package app

import (
	"fmt"
	"strings"
	"time"

	"litmusrt/internal/config"
	"litmusrt/internal/storage"
	logx "litmusrt/pkg/logx"
)

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	dl := strings.ToLower(strings.TrimSpace(sc.Driver))
	switch dl {
	case "", "none", "disabled", "off":
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)

	switch dl {
	case "file", "jsonl":
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.DurationOr("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

// OpenStore opens the configured store. It returns storage.ErrDisabled when
// the config has no storage.
func OpenStore(cfg *config.Config, log logx.Logger) (storage.Store, error) {
	sc, enabled, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	if !enabled {
		return nil, storage.ErrDisabled
	}
	return storage.Open(sc, log.With(logx.String("comp", "storage")))
}
