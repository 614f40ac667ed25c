package staging

import (
	"fmt"

	"sheetvault/internal/config"
	"sheetvault/internal/sv"
)

// Area is a staging area that reports what it currently holds.
type Area interface {
	sv.StagingArea
	Count() int
	Size() int64
}

// NewStagingAreaFromConfig creates a staging Area implementation based on the config type.
func NewStagingAreaFromConfig(cfg config.StagingConfig) (Area, error) {
	maxSize := cfg.MaxSize
	if maxSize <= 0 {
		maxSize = config.DefaultStagingMaxSize
	}

	switch cfg.Type {
	case "memory":
		return NewMemoryStagingArea(maxSize), nil
	case "filesystem":
		if cfg.StagingDir == "" {
			return nil, fmt.Errorf("filesystem staging area requires staging_dir to be set")
		}
		return NewFileSystemStagingArea(cfg.StagingDir, maxSize)
	default:
		return nil, fmt.Errorf("unknown staging area type: %s", cfg.Type)
	}
}
