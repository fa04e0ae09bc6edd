package config

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

type moduleManifest struct {
	Modules []ModuleConfig `toml:"module"`
}

// LoadModules reads a TOML module manifest:
//
//	[[module]]
//	name = "sync-contacts"
//	path = "modules/sync.js"
//	interpreter = "node"
//	timeout_sec = 120
func LoadModules(path string) ([]ModuleConfig, error) {
	var m moduleManifest
	md, err := toml.DecodeFile(path, &m)
	if err != nil {
		return nil, fmt.Errorf("read module manifest: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("%w: module manifest has unknown keys %v", ErrInvalid, undecoded)
	}
	return m.Modules, nil
}
