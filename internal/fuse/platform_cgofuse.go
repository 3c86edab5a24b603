//go:build cgofuse
// +build cgofuse

package fuse

import (
	"context"

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

// CreatePlatformMountManager creates the cgofuse mount manager
func CreatePlatformMountManager(manager *filemanager.Manager, collector *metrics.Collector, config *MountConfig) PlatformFileSystem {
	return NewCgoFuseMountManager(manager, collector, config)
}
