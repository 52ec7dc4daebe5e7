package storage

import (
	"fmt"
	"sync"
)

// The connection registry coalesces store handles: every adapter configured
// with the same (url, dbName) pair shares one underlying connection,
// reference-counted so the last release closes it.

type connKey struct {
	url    string
	dbName string
}

type connEntry struct {
	store *Store
	refs  int
}

type registry struct {
	mu    sync.Mutex
	conns map[connKey]*connEntry
}

var connections = &registry{conns: make(map[connKey]*connEntry)}

// Acquire returns the shared Store for (url, dbName), opening and
// registering it on first use.
func Acquire(url, dbName string) (*Store, error) {
	connections.mu.Lock()
	defer connections.mu.Unlock()

	key := connKey{url: url, dbName: dbName}
	if e, ok := connections.conns[key]; ok {
		e.refs++
		return e.store, nil
	}

	store, err := Open(url, dbName)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s/%s: %w", url, dbName, err)
	}
	connections.conns[key] = &connEntry{store: store, refs: 1}
	return store, nil
}

// Release drops one reference to the shared Store for (url, dbName),
// closing and deregistering it when no references remain. Releasing an
// unknown connection is a no-op.
func Release(url, dbName string) error {
	connections.mu.Lock()
	defer connections.mu.Unlock()

	key := connKey{url: url, dbName: dbName}
	e, ok := connections.conns[key]
	if !ok {
		return nil
	}
	e.refs--
	if e.refs > 0 {
		return nil
	}
	delete(connections.conns, key)
	if err := e.store.Close(); err != nil {
		return fmt.Errorf("closing %s/%s: %w", url, dbName, err)
	}
	return nil
}

// CloseAll force-closes every registered connection regardless of
// reference counts. Used at process shutdown.
func CloseAll() error {
	connections.mu.Lock()
	defer connections.mu.Unlock()

	var firstErr error
	for key, e := range connections.conns {
		if err := e.store.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing %s/%s: %w", key.url, key.dbName, err)
		}
		delete(connections.conns, key)
	}
	return firstErr
}
