// Package vdb provides named sub-database views over a single ordered
// key/value file. Sub databases support single values, value ordered
// duplicate sets and insertion ordered duplicate sets. Keys are UTF-8 with
// a separator disjoint from the Base64 alphabet, so qualified primitives
// can be concatenated into composite keys safely.
package vdb

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"

	"github.com/datatrails/go-datatrails-common/logger"
	bolt "go.etcd.io/bbolt"
)

var (
	ErrClosed      = errors.New("database is closed")
	ErrBadSubName  = errors.New("sub database names must be short ascii tags ending with '.'")
	ErrBadOrdinal  = errors.New("ordinal key suffix is not 32 hex characters")
	ErrKeyRequired = errors.New("a non empty key is required")
)

// Sep joins composite key components. It is printable and outside the
// Base64 alphabet so component boundaries are unambiguous.
const Sep = "."

// dupSep separates a logical key from the duplicate discriminator in the
// flat keyspace. Zero is disjoint from any UTF-8 printable key material.
const dupSep = 0x00

// ordWidth is the zero padded hex width of insertion ordinals and sequence
// numbers in composite keys. Every writer must format identically or
// lexicographic iteration silently diverges from numeric order.
const ordWidth = 32

// DgKey composes the digest keyspace key for a prefix and event digest.
func DgKey(pre, dig string) []byte {
	return []byte(pre + Sep + dig)
}

// SnKey composes the sequence number keyspace key for a prefix and ordinal.
func SnKey(pre string, sn uint64) []byte {
	return fmt.Appendf(nil, "%s%s%032x", pre, Sep, sn)
}

// JoinKeys composes a tuple key from its components.
func JoinKeys(keys ...string) []byte {
	out := []byte{}
	for i, k := range keys {
		if i > 0 {
			out = append(out, Sep...)
		}
		out = append(out, k...)
	}
	return out
}

// SplitKeys recovers tuple key components.
func SplitKeys(key []byte) []string {
	parts := bytes.Split(key, []byte(Sep))
	out := make([]string, len(parts))
	for i, p := range parts {
		out[i] = string(p)
	}
	return out
}

// ParseOrd parses the 32 hex character ordinal suffix used by the sequence
// number keyspace and insertion ordered sets.
func ParseOrd(s string) (uint64, error) {
	if len(s) != ordWidth {
		return 0, fmt.Errorf("%w: %q", ErrBadOrdinal, s)
	}
	n, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBadOrdinal, err)
	}
	return n, nil
}

// DB is an ordered key value environment with named sub databases. Writes
// are serialized by the engine; the core above it is single threaded.
type DB struct {
	log  logger.Logger
	path string
	bolt *bolt.DB
}

// Open opens (creating as needed) the environment file at path.
func Open(log logger.Logger, path string) (*DB, error) {
	bdb, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("opening kv environment %s: %w", path, err)
	}
	return &DB{log: log, path: path, bolt: bdb}, nil
}

func (db *DB) Path() string { return db.path }

func (db *DB) Close() error {
	if db.bolt == nil {
		return nil
	}
	err := db.bolt.Close()
	db.bolt = nil
	return err
}

// Sub opens the named sub database, creating it on first use. Names must
// end with '.' so they cannot collide with Base64 identifier material.
func (db *DB) Sub(name string) (*Sub, error) {
	if name == "" || name[len(name)-1] != '.' {
		return nil, fmt.Errorf("%w: %q", ErrBadSubName, name)
	}
	if db.bolt == nil {
		return nil, ErrClosed
	}
	err := db.bolt.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(name))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("opening sub database %q: %w", name, err)
	}
	return &Sub{db: db, name: []byte(name)}, nil
}

// Sub is a named sub database handle.
type Sub struct {
	db   *DB
	name []byte
}

func (s *Sub) Name() string { return string(s.name) }

func (s *Sub) update(fn func(b *bolt.Bucket) error) error {
	if s.db.bolt == nil {
		return ErrClosed
	}
	return s.db.bolt.Update(func(tx *bolt.Tx) error {
		return fn(tx.Bucket(s.name))
	})
}

func (s *Sub) view(fn func(b *bolt.Bucket) error) error {
	if s.db.bolt == nil {
		return ErrClosed
	}
	return s.db.bolt.View(func(tx *bolt.Tx) error {
		return fn(tx.Bucket(s.name))
	})
}

// Put writes val at key only if absent. It reports false, without error,
// when the key already exists.
func (s *Sub) Put(key, val []byte) (bool, error) {
	if len(key) == 0 {
		return false, ErrKeyRequired
	}
	written := false
	err := s.update(func(b *bolt.Bucket) error {
		if k, _ := b.Cursor().Seek(key); bytes.Equal(k, key) {
			return nil
		}
		written = true
		return b.Put(key, val)
	})
	return written, err
}

// Set writes val at key, overwriting any existing value.
func (s *Sub) Set(key, val []byte) error {
	if len(key) == 0 {
		return ErrKeyRequired
	}
	return s.update(func(b *bolt.Bucket) error {
		return b.Put(key, val)
	})
}

// Get returns the value at key, or nil, false when absent.
func (s *Sub) Get(key []byte) ([]byte, bool, error) {
	var out []byte
	found := false
	err := s.view(func(b *bolt.Bucket) error {
		if v := b.Get(key); v != nil {
			out = append([]byte(nil), v...)
			found = true
		}
		return nil
	})
	return out, found, err
}

// Del removes the value at key, reporting whether it existed.
func (s *Sub) Del(key []byte) (bool, error) {
	existed := false
	err := s.update(func(b *bolt.Bucket) error {
		if k, _ := b.Cursor().Seek(key); !bytes.Equal(k, key) {
			return nil
		}
		existed = true
		return b.Delete(key)
	})
	return existed, err
}

// Scan iterates entries whose key begins with top in lexicographic order.
// Returning an error from fn stops the scan and propagates it.
func (s *Sub) Scan(top []byte, fn func(key, val []byte) error) error {
	return s.view(func(b *bolt.Bucket) error {
		c := b.Cursor()
		for k, v := c.Seek(top); k != nil && bytes.HasPrefix(k, top); k, v = c.Next() {
			if err := fn(append([]byte(nil), k...), append([]byte(nil), v...)); err != nil {
				return err
			}
		}
		return nil
	})
}

// CntTop counts entries whose key begins with top.
func (s *Sub) CntTop(top []byte) (int, error) {
	n := 0
	err := s.Scan(top, func(_, _ []byte) error {
		n++
		return nil
	})
	return n, err
}

// --- value ordered duplicate sets -----------------------------------------
//
// The engine exposes unique keys only, so a duplicate set at key is stored
// as one entry per value at key|0x00|value. Iterating the prefix yields
// values in lexicographic order, and (key, value) pairs are unique.

func dupKey(key, val []byte) []byte {
	out := make([]byte, 0, len(key)+1+len(val))
	out = append(out, key...)
	out = append(out, dupSep)
	out = append(out, val...)
	return out
}

// AddVal adds val to the duplicate set at key, reporting false when the
// pair was already present. The value body duplicates the discriminator
// so entries are never zero length.
func (s *Sub) AddVal(key, val []byte) (bool, error) {
	if len(key) == 0 {
		return false, ErrKeyRequired
	}
	return s.Put(dupKey(key, val), val)
}

// GetVals returns all duplicates at key in lexicographic value order.
func (s *Sub) GetVals(key []byte) ([][]byte, error) {
	var out [][]byte
	prefix := dupKey(key, nil)
	err := s.Scan(prefix, func(k, _ []byte) error {
		out = append(out, k[len(prefix):])
		return nil
	})
	return out, err
}

// CntVals returns the number of duplicates at key.
func (s *Sub) CntVals(key []byte) (int, error) {
	return s.CntTop(dupKey(key, nil))
}

// DelVals removes duplicates at key: all of them when val is empty,
// otherwise just the matching pair.
func (s *Sub) DelVals(key, val []byte) (bool, error) {
	if len(val) != 0 {
		return s.Del(dupKey(key, val))
	}
	deleted := false
	prefix := dupKey(key, nil)
	err := s.update(func(b *bolt.Bucket) error {
		c := b.Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			if err := c.Delete(); err != nil {
				return err
			}
			deleted = true
		}
		return nil
	})
	return deleted, err
}

// --- insertion ordered duplicate sets --------------------------------------
//
// Insertion order is preserved by keying each duplicate with a zero padded
// insertion ordinal proem, key|0x00|%032x, and storing the value in the
// entry body. Values are unique within a set.

// AddIoVal appends val to the insertion ordered set at key, reporting
// false when the value is already a member.
func (s *Sub) AddIoVal(key, val []byte) (bool, error) {
	if len(key) == 0 {
		return false, ErrKeyRequired
	}
	added := false
	prefix := dupKey(key, nil)
	err := s.update(func(b *bolt.Bucket) error {
		c := b.Cursor()
		next := uint64(0)
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			if bytes.Equal(v, val) {
				return nil
			}
			ord, err := ParseOrd(string(k[len(prefix):]))
			if err != nil {
				return err
			}
			next = ord + 1
		}
		added = true
		return b.Put(fmt.Appendf(nil, "%s%032x", prefix, next), val)
	})
	return added, err
}

// PutIoVals appends each val in order, skipping members already present.
// Reports true when at least one value was added.
func (s *Sub) PutIoVals(key []byte, vals ...[]byte) (bool, error) {
	some := false
	for _, val := range vals {
		added, err := s.AddIoVal(key, val)
		if err != nil {
			return some, err
		}
		some = some || added
	}
	return some, nil
}

// GetIoVals returns the members of the set at key in insertion order.
func (s *Sub) GetIoVals(key []byte) ([][]byte, error) {
	var out [][]byte
	err := s.Scan(dupKey(key, nil), func(_, v []byte) error {
		out = append(out, v)
		return nil
	})
	return out, err
}

// CntIoVals returns the number of members of the set at key.
func (s *Sub) CntIoVals(key []byte) (int, error) {
	return s.CntTop(dupKey(key, nil))
}

// DelIoVals removes the whole set at key.
func (s *Sub) DelIoVals(key []byte) (bool, error) {
	return s.DelVals(key, nil)
}

// DelIoVal removes the member val from the set at key. Remaining ordinals
// are left untouched, later insertions continue after the highest survivor.
func (s *Sub) DelIoVal(key, val []byte) (bool, error) {
	deleted := false
	prefix := dupKey(key, nil)
	err := s.update(func(b *bolt.Bucket) error {
		c := b.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			if bytes.Equal(v, val) {
				deleted = true
				return c.Delete()
			}
		}
		return nil
	})
	return deleted, err
}

// ScanIo iterates insertion ordered sets under the composite key prefix
// top, in key order then insertion order, passing the logical key (proem
// stripped) and member value.
func (s *Sub) ScanIo(top []byte, fn func(key, val []byte) error) error {
	return s.Scan(top, func(k, v []byte) error {
		i := bytes.IndexByte(k, dupSep)
		if i < 0 {
			return fmt.Errorf("%w: unproemed entry in ordered set scan", ErrBadOrdinal)
		}
		return fn(k[:i], v)
	})
}

// --- ordinal keyed logs -----------------------------------------------------

// ScanOrdPre iterates entries keyed SnKey(pre, n) for n >= on in ascending
// ordinal order, passing the parsed ordinal and the entry value.
func (s *Sub) ScanOrdPre(pre string, on uint64, fn func(on uint64, val []byte) error) error {
	start := SnKey(pre, on)
	top := []byte(pre + Sep)
	return s.view(func(b *bolt.Bucket) error {
		c := b.Cursor()
		for k, v := c.Seek(start); k != nil && bytes.HasPrefix(k, top); k, v = c.Next() {
			ord, err := ParseOrd(string(k[len(top):]))
			if err != nil {
				return err
			}
			if err := fn(ord, append([]byte(nil), v...)); err != nil {
				return err
			}
		}
		return nil
	})
}

// CntOrdPre counts entries keyed SnKey(pre, n) for n >= on.
func (s *Sub) CntOrdPre(pre string, on uint64) (int, error) {
	n := 0
	err := s.ScanOrdPre(pre, on, func(_ uint64, _ []byte) error {
		n++
		return nil
	})
	return n, err
}
