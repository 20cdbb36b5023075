// Package deletion implements the Deletion Queue contract:
// generation-validated, durable object deletion decoupled from the upload
// queue that discovers work for it.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package deletion

import (
	"fmt"

	"github.com/tidwall/buntdb"
	jsoniter "github.com/json-iterator/go"

	"github.com/pageserver/pageserver/cmn"
	"github.com/pageserver/pageserver/index"
)

var storeJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// ListEntry is one object pending deletion: enough to reconstruct its
// durable key (index.LayerKey) and to check it against a tenant-shard's
// current attached generation before executing.
type ListEntry struct {
	Tsid       cmn.TenantShardId              `json:"tsid"`
	Timeline   cmn.TimelineId                 `json:"timeline"`
	Generation cmn.Generation                 `json:"-"`
	GenValue   *uint32                        `json:"generation"`
	Name       cmn.LayerFileName              `json:"name"`
	Metadata   index.LayerFileMetadata        `json:"metadata"`
}

func (e *ListEntry) key() string {
	gen := e.Generation
	return index.LayerKey(e.Tsid, e.Timeline, e.Name, gen)
}

// DeletionList is the unit persisted under one "<16-hex-sequence>-01.list"
// key, encoded with jsoniter for consistency with the rest of the
// on-disk/on-wire formats this core writes.
type DeletionList struct {
	Sequence uint64       `json:"sequence"`
	Entries  []ListEntry  `json:"entries"`
}

// Header tracks recovery bookkeeping across restarts.
type Header struct {
	Version              byte   `json:"version"`
	LastExecutedSequence uint64 `json:"last_executed_sequence"`
}

const currentStoreVersion = 1

const (
	listPrefix  = "deletion/list/"
	headerKey   = "deletion/header-01"
)

func listKey(seq uint64) string {
	return fmt.Sprintf("%s%016x-01.list", listPrefix, seq)
}

// Store persists pending deletion lists in a buntdb-backed local KV: an
// embedded store for node-local metadata rather than a full database
// server.
type Store struct {
	db *buntdb.DB
}

func OpenStore(path string) (*Store, error) {
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, cmn.NewError(cmn.ErrOther, "open deletion store at %s", path).Wrap(err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) SaveList(list *DeletionList) error {
	for i := range list.Entries {
		list.Entries[i].stampGenValue()
	}
	data, err := storeJSON.Marshal(list)
	if err != nil {
		return cmn.NewError(cmn.ErrOther, "marshal deletion list %d", list.Sequence).Wrap(err)
	}
	return s.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(listKey(list.Sequence), string(data), nil)
		return err
	})
}

func (s *Store) DeleteList(seq uint64) error {
	return s.db.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(listKey(seq))
		if err != nil && err != buntdb.ErrNotFound {
			return err
		}
		return nil
	})
}

// LoadPending returns every list still persisted, in ascending sequence
// order, used by recover() to re-validate pre-crash work.
func (s *Store) LoadPending() ([]*DeletionList, error) {
	var out []*DeletionList
	err := s.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(listPrefix+"*", func(key, value string) bool {
			var l DeletionList
			if err := storeJSON.Unmarshal([]byte(value), &l); err != nil {
				return true // skip corrupt entries rather than abort recovery
			}
			for i := range l.Entries {
				l.Entries[i].unstampGenValue()
			}
			out = append(out, &l)
			return true
		})
	})
	if err != nil {
		return nil, cmn.NewError(cmn.ErrOther, "load pending deletion lists").Wrap(err)
	}
	return out, nil
}

func (s *Store) SaveHeader(h Header) error {
	h.Version = currentStoreVersion
	data, err := storeJSON.Marshal(h)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(headerKey, string(data), nil)
		return err
	})
}

func (s *Store) LoadHeader() (Header, error) {
	var h Header
	err := s.db.View(func(tx *buntdb.Tx) error {
		v, err := tx.Get(headerKey)
		if err == buntdb.ErrNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return storeJSON.Unmarshal([]byte(v), &h)
	})
	return h, err
}

func (e *ListEntry) stampGenValue() {
	if e.Generation.Valid() {
		v := e.Generation.Value()
		e.GenValue = &v
	} else {
		e.GenValue = nil
	}
}

func (e *ListEntry) unstampGenValue() {
	if e.GenValue != nil {
		e.Generation = cmn.NewGeneration(*e.GenValue)
	} else {
		e.Generation = cmn.NoGeneration
	}
}
