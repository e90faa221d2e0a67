package config

import (
	"encoding/json"

	"github.com/spaolacci/murmur3"
)

func hashBytes(b []byte) uint64 { return murmur3.Sum64(b) }

func hashConfig(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	return hashBytes(b)
}
