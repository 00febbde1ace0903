package vfs

import (
	"context"

	"github.com/marmos91/lockfs/pkg/store/content"
	"github.com/marmos91/lockfs/pkg/store/metadata"
)

// PathInfo pairs a logical (domain, path) with its physical location on a
// driver. It is a value: computed on demand, never stored on the inode.
type PathInfo struct {
	Domain   string
	Path     string
	Location content.Location

	driver content.Driver
}

// Resolve maps domain:path to its location on driver.
func Resolve(driver content.Driver, domain, path string) (PathInfo, error) {
	if err := metadata.ValidateDomain(domain); err != nil {
		return PathInfo{}, err
	}

	clean := metadata.CleanPath(path)
	loc, err := driver.Locate(domain, clean)
	if err != nil {
		return PathInfo{}, err
	}

	return PathInfo{Domain: domain, Path: clean, Location: loc, driver: driver}, nil
}

// Key returns "domain:path".
func (p PathInfo) Key() string {
	return p.Domain + ":" + p.Path
}

// Exists reports whether durable content exists at the location.
func (p PathInfo) Exists(ctx context.Context) (bool, error) {
	return p.driver.Exists(ctx, p.Location.Path)
}

// Size returns the physical size of the durable content.
func (p PathInfo) Size(ctx context.Context) (int64, error) {
	return p.driver.Size(ctx, p.Location.Path)
}
