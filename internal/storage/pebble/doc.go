// Package pebblestore wraps Pebble with an fsync policy, a closed state that
// callers can observe as ErrClosed, prefix scans, and Atomic: a striped-lock
// read-modify-write transaction that commits as a single batch.
//
//	db, err := pebblestore.Open(pebblestore.Options{DataDir: dir, Fsync: pebblestore.FsyncModeAlways})
//	if err != nil { /* handle */ }
//	defer db.Close()
//
//	err = db.Atomic(ctx, [][]byte{key}, func(tx *pebblestore.Tx) error {
//	    cur, err := tx.Get(key)
//	    if err != nil && !errors.Is(err, pebblestore.ErrNotFound) {
//	        return err
//	    }
//	    return tx.Set(key, next(cur))
//	})
package pebblestore
