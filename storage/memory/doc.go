// Package memory provides an in-memory implementation of storage.Store.
//
// All maps are guarded by a single sync.RWMutex. A background goroutine
// removes expired pending requests, codes, refresh tokens and API keys every
// cleanup interval; Stop ends it.
//
// Example usage:
//
//	store := memory.NewWithInterval(30 * time.Second)
//	defer store.Stop()
//
//	srv, _ := server.New(store, signer, cfg, logger)
package memory
