//go:build cgofuse
// +build cgofuse

package fuse

import (
	"context"
	"time"

	"github.com/repertory/repertory/internal/filemanager"
	"github.com/repertory/repertory/internal/metrics"
)

// CgoFuseMountManager manages cgofuse-based mounts
type CgoFuseMountManager struct {
	filesystem *CgoFuseFS
	config     *MountConfig
}

// NewCgoFuseMountManager creates a new cgofuse mount manager
func NewCgoFuseMountManager(manager *filemanager.Manager, collector *metrics.Collector, config *MountConfig) *CgoFuseMountManager {
	fuseConfig := &Config{
		MountPoint:  config.MountPoint,
		DefaultUID:  1000,
		DefaultGID:  1000,
		DefaultMode: 0644,
		CacheTTL:    time.Second,
	}
	if config.Options != nil {
		fuseConfig.ReadOnly = config.Options.ReadOnly
		if config.Options.EntryTimeout != 0 {
			fuseConfig.CacheTTL = config.Options.EntryTimeout
		}
	}
	if config.Permissions != nil {
		fuseConfig.DefaultUID = config.Permissions.UID
		fuseConfig.DefaultGID = config.Permissions.GID
		fuseConfig.DefaultMode = config.Permissions.FileMode
	}

	filesystem := NewCgoFuseFS(manager, collector, fuseConfig)

	return &CgoFuseMountManager{
		filesystem: filesystem,
		config:     config,
	}
}

// Mount mounts the filesystem
func (m *CgoFuseMountManager) Mount(ctx context.Context) error {
	return m.filesystem.Mount(ctx)
}

// Unmount unmounts the filesystem
func (m *CgoFuseMountManager) Unmount() error {
	return m.filesystem.Unmount()
}

// IsMounted returns whether the filesystem is mounted
func (m *CgoFuseMountManager) IsMounted() bool {
	return m.filesystem.IsMounted()
}

// GetStats returns filesystem statistics
func (m *CgoFuseMountManager) GetStats() *FilesystemStats {
	return m.filesystem.GetStats()
}
