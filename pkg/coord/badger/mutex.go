package badger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/marmos91/lockfs/internal/logger"
	"github.com/marmos91/lockfs/pkg/coord"
)

const (
	minBackoff = 5 * time.Millisecond
	maxBackoff = 100 * time.Millisecond
)

// mutex is a lease-based mutex stored under m:<path>.
//
// The lease value is a random token identifying the holder; the entry carries
// a TTL so a crashed holder cannot block others forever. A holder refreshes its
// lease every leaseTTL/3 until Unlock.
type mutex struct {
	backend *Backend
	key     []byte

	mu    sync.Mutex
	token []byte
	stop  chan struct{}
	done  chan struct{}
}

// Lock implements coord.Mutex.
func (m *mutex) Lock(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.token != nil {
		return fmt.Errorf("mutex %s: already held by this handle", m.key)
	}

	token := []byte(uuid.NewString())
	backoff := minBackoff

	for {
		if err := m.backend.check(ctx); err != nil {
			return err
		}

		acquired, err := m.tryAcquire(token)
		if err != nil {
			return fmt.Errorf("mutex %s: %w", m.key, err)
		}
		if acquired {
			break
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-m.backend.closed:
			timer.Stop()
			return coord.ErrClosed
		case <-timer.C:
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}

	m.token = token
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	go m.refresh(token, m.stop, m.done)

	return nil
}

func (m *mutex) tryAcquire(token []byte) (bool, error) {
	acquired := false
	err := m.backend.update(func(txn *badger.Txn) error {
		acquired = false
		_, err := txn.Get(m.key)
		if err == nil {
			return nil
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		acquired = true
		return txn.SetEntry(badger.NewEntry(m.key, token).WithTTL(m.backend.leaseTTL))
	})
	return acquired, err
}

func (m *mutex) refresh(token []byte, stop, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.backend.leaseTTL / 3)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-m.backend.closed:
			return
		case <-ticker.C:
			err := m.backend.update(func(txn *badger.Txn) error {
				held, err := m.holds(txn, token)
				if err != nil || !held {
					return err
				}
				return txn.SetEntry(badger.NewEntry(m.key, token).WithTTL(m.backend.leaseTTL))
			})
			if err != nil {
				logger.Warn("coord: failed to refresh lease %s: %v", m.key, err)
			}
		}
	}
}

func (m *mutex) holds(txn *badger.Txn, token []byte) (bool, error) {
	item, err := txn.Get(m.key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	value, err := item.ValueCopy(nil)
	if err != nil {
		return false, err
	}
	return bytes.Equal(value, token), nil
}

// Unlock implements coord.Mutex.
func (m *mutex) Unlock(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.token == nil {
		return coord.ErrNotHeld
	}

	close(m.stop)
	<-m.done

	token := m.token
	m.token = nil

	if err := m.backend.check(ctx); err != nil {
		return err
	}

	var held bool
	err := m.backend.update(func(txn *badger.Txn) error {
		var err error
		held, err = m.holds(txn, token)
		if err != nil || !held {
			return err
		}
		return txn.Delete(m.key)
	})
	if err != nil {
		return fmt.Errorf("mutex %s: %w", m.key, err)
	}
	if !held {
		return fmt.Errorf("mutex %s: lease expired: %w", m.key, coord.ErrNotHeld)
	}

	return nil
}
