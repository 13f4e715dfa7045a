// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package badger

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type counterDoc struct {
	Count int    `json:"count"`
	Note  string `json:"note"`
}

func TestOpenInMemory(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	err = db.WithTxn(ctx, func(txn *badger.Txn) error {
		return SetJSON(txn, []byte("k"), counterDoc{Count: 1})
	})
	require.NoError(t, err)

	var got counterDoc
	err = db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		return GetJSON(txn, []byte("k"), &got)
	})
	require.NoError(t, err)
	assert.Equal(t, 1, got.Count)
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open(Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "path is required")
}

func TestOpen_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Path = dir
	cfg.GCInterval = 0

	db, err := Open(cfg)
	require.NoError(t, err)
	_, err = UpdateJSON(context.Background(), db, []byte("doc"), func(doc *counterDoc, found bool) error {
		doc.Count = 7
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db2, err := Open(cfg)
	require.NoError(t, err)
	defer db2.Close()

	var got counterDoc
	require.NoError(t, db2.WithReadTxn(context.Background(), func(txn *badger.Txn) error {
		return GetJSON(txn, []byte("doc"), &got)
	}))
	assert.Equal(t, 7, got.Count)
}

func TestGetJSON_NotFound(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	err = db.WithReadTxn(context.Background(), func(txn *badger.Txn) error {
		var doc counterDoc
		return GetJSON(txn, []byte("missing"), &doc)
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateJSON_FoundFlagAndMutation(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)
	defer db.Close()
	ctx := context.Background()

	first, err := UpdateJSON(ctx, db, []byte("doc"), func(doc *counterDoc, found bool) error {
		assert.False(t, found)
		doc.Count++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, first.Count)

	second, err := UpdateJSON(ctx, db, []byte("doc"), func(doc *counterDoc, found bool) error {
		assert.True(t, found)
		doc.Count++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, second.Count)
}

func TestUpdateJSON_MutateErrorWritesNothing(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)
	defer db.Close()
	ctx := context.Background()

	_, err = UpdateJSON(ctx, db, []byte("doc"), func(doc *counterDoc, _ bool) error {
		doc.Note = "kept"
		return nil
	})
	require.NoError(t, err)

	boom := errors.New("boom")
	_, err = UpdateJSON(ctx, db, []byte("doc"), func(doc *counterDoc, _ bool) error {
		doc.Note = "discarded"
		return boom
	})
	assert.ErrorIs(t, err, boom)

	var got counterDoc
	require.NoError(t, db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		return GetJSON(txn, []byte("doc"), &got)
	}))
	assert.Equal(t, "kept", got.Note)
}

func TestUpdateJSON_ConcurrentIncrements(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)
	defer db.Close()
	ctx := context.Background()

	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Serialize at the caller so the bounded retry budget is never hit.
			mu.Lock()
			defer mu.Unlock()
			_, err := UpdateJSON(ctx, db, []byte("n"), func(doc *counterDoc, _ bool) error {
				doc.Count++
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	var got counterDoc
	require.NoError(t, db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		return GetJSON(txn, []byte("n"), &got)
	}))
	assert.Equal(t, 4, got.Count)
}

func TestWithTxn_ContextCancelled(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = db.WithTxn(ctx, func(txn *badger.Txn) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestListJSON_PrefixAndDelete(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)
	defer db.Close()
	ctx := context.Background()

	require.NoError(t, db.WithTxn(ctx, func(txn *badger.Txn) error {
		for _, k := range []string{"a/2", "a/1", "b/1"} {
			if err := SetJSON(txn, []byte(k), counterDoc{Note: k}); err != nil {
				return err
			}
		}
		return nil
	}))

	var docs []counterDoc
	require.NoError(t, db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		docs, err = ListJSON[counterDoc](txn, []byte("a/"))
		return err
	}))
	require.Len(t, docs, 2)
	assert.Equal(t, "a/1", docs[0].Note)
	assert.Equal(t, "a/2", docs[1].Note)

	require.NoError(t, db.WithTxn(ctx, func(txn *badger.Txn) error {
		return Delete(txn, []byte("a/1"))
	}))
	err = db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		var doc counterDoc
		return GetJSON(txn, []byte("a/1"), &doc)
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetJSON_DecodeError(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)
	defer db.Close()
	ctx := context.Background()

	require.NoError(t, db.WithTxn(ctx, func(txn *badger.Txn) error {
		return txn.Set([]byte("bad"), []byte("{"))
	}))
	err = db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		var doc counterDoc
		return GetJSON(txn, []byte("bad"), &doc)
	})
	assert.ErrorIs(t, err, ErrDecode)
}
