// Package memory implements an in-process metadata.Store.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/marmos91/lockfs/pkg/store/metadata"
)

type key struct {
	domain string
	path   string
}

// Store keeps inodes in a map. Contents are lost on exit.
type Store struct {
	mu     sync.RWMutex
	inodes map[key]*metadata.Inode
}

var _ metadata.Store = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{inodes: make(map[key]*metadata.Inode)}
}

func (s *Store) Get(ctx context.Context, domain, path string) (*metadata.Inode, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	inode, ok := s.inodes[key{domain, metadata.CleanPath(path)}]
	if !ok {
		return nil, metadata.ErrNotFound
	}
	return inode.Clone(), nil
}

func (s *Store) Put(ctx context.Context, inode *metadata.Inode) (*metadata.Inode, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := inode.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.inodes[key{inode.Domain, inode.Path}] = inode.Clone()
	return inode.Clone(), nil
}

func (s *Store) Delete(ctx context.Context, domain, path string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	k := key{domain, metadata.CleanPath(path)}
	_, ok := s.inodes[k]
	delete(s.inodes, k)
	return ok, nil
}

func (s *Store) List(ctx context.Context, domain, prefix string) ([]*metadata.Inode, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*metadata.Inode
	for k, inode := range s.inodes {
		if k.domain == domain && strings.HasPrefix(k.path, prefix) {
			out = append(out, inode.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (s *Store) Close() error {
	return nil
}
