//go:build !cgofuse
// +build !cgofuse

package fuse

import (
	"context"
	"time"

	"github.com/repertory/repertory/internal/filemanager"
	"github.com/repertory/repertory/internal/metrics"
)

// Platform-specific filesystem interface
type PlatformFileSystem interface {
	Mount(ctx context.Context) error
	Unmount() error
	IsMounted() bool
	GetStats() *FilesystemStats
}

// CreatePlatformMountManager creates the appropriate mount manager for the platform
func CreatePlatformMountManager(manager *filemanager.Manager, collector *metrics.Collector, config *MountConfig) PlatformFileSystem {
	// Use original hanwen/go-fuse implementation
	fuseConfig := &Config{
		MountPoint:  config.MountPoint,
		ReadOnly:    false,
		DefaultUID:  1000,
		DefaultGID:  1000,
		DefaultMode: 0644,
		CacheTTL:    60 * time.Second,
	}

	filesystem := NewFileSystem(manager, collector, fuseConfig)
	return NewMountManager(filesystem, config)
}
