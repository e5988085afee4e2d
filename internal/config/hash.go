package config

import (
	"encoding/json"
	"hash/fnv"
)

// fingerprint identifies config content so that editor saves which do not
// change anything are not republished. A nil config has fingerprint 0.
func fingerprint(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
