package vdb

import (
	"errors"
	"fmt"
)

var (
	ErrDecode   = errors.New("stored value does not decode as its primitive type")
	ErrCatSplit = errors.New("stored value does not split into its component primitives")
)

// Primitive is any fully qualified value a typed suber can persist.
type Primitive interface {
	Qb64() string
}

// Decoder rebuilds a primitive from its qualified form.
type Decoder[T Primitive] func(qb64 string) (T, error)

// CesrSuber is a single value view storing one qualified primitive per key.
type CesrSuber[T Primitive] struct {
	sub *Sub
	dec Decoder[T]
}

func NewCesrSuber[T Primitive](db *DB, name string, dec Decoder[T]) (*CesrSuber[T], error) {
	sub, err := db.Sub(name)
	if err != nil {
		return nil, err
	}
	return &CesrSuber[T]{sub: sub, dec: dec}, nil
}

// Put writes val only if the key is absent, reporting false on collision.
func (s *CesrSuber[T]) Put(keys []string, val T) (bool, error) {
	return s.sub.Put(JoinKeys(keys...), []byte(val.Qb64()))
}

// Pin overwrites any value at the key.
func (s *CesrSuber[T]) Pin(keys []string, val T) error {
	return s.sub.Set(JoinKeys(keys...), []byte(val.Qb64()))
}

func (s *CesrSuber[T]) Get(keys []string) (T, bool, error) {
	var zero T
	raw, found, err := s.sub.Get(JoinKeys(keys...))
	if err != nil || !found {
		return zero, false, err
	}
	val, err := s.dec(string(raw))
	if err != nil {
		return zero, false, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return val, true, nil
}

func (s *CesrSuber[T]) Rem(keys []string) (bool, error) {
	return s.sub.Del(JoinKeys(keys...))
}

// CesrDupSuber is a duplicate set view. Duplicates are kept unique and
// returned in lexicographic order of their qualified forms.
type CesrDupSuber[T Primitive] struct {
	sub *Sub
	dec Decoder[T]
}

func NewCesrDupSuber[T Primitive](db *DB, name string, dec Decoder[T]) (*CesrDupSuber[T], error) {
	sub, err := db.Sub(name)
	if err != nil {
		return nil, err
	}
	return &CesrDupSuber[T]{sub: sub, dec: dec}, nil
}

func (s *CesrDupSuber[T]) Add(keys []string, val T) (bool, error) {
	return s.sub.AddVal(JoinKeys(keys...), []byte(val.Qb64()))
}

func (s *CesrDupSuber[T]) Get(keys []string) ([]T, error) {
	raws, err := s.sub.GetVals(JoinKeys(keys...))
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(raws))
	for _, raw := range raws {
		val, err := s.dec(string(raw))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecode, err)
		}
		out = append(out, val)
	}
	return out, nil
}

func (s *CesrDupSuber[T]) Cnt(keys []string) (int, error) {
	return s.sub.CntVals(JoinKeys(keys...))
}

func (s *CesrDupSuber[T]) Rem(keys []string) (bool, error) {
	return s.sub.DelVals(JoinKeys(keys...), nil)
}

func (s *CesrDupSuber[T]) RemVal(keys []string, val T) (bool, error) {
	return s.sub.DelVals(JoinKeys(keys...), []byte(val.Qb64()))
}

// CesrIoSetSuber is an insertion ordered set view.
type CesrIoSetSuber[T Primitive] struct {
	sub *Sub
	dec Decoder[T]
}

func NewCesrIoSetSuber[T Primitive](db *DB, name string, dec Decoder[T]) (*CesrIoSetSuber[T], error) {
	sub, err := db.Sub(name)
	if err != nil {
		return nil, err
	}
	return &CesrIoSetSuber[T]{sub: sub, dec: dec}, nil
}

func (s *CesrIoSetSuber[T]) Add(keys []string, val T) (bool, error) {
	return s.sub.AddIoVal(JoinKeys(keys...), []byte(val.Qb64()))
}

func (s *CesrIoSetSuber[T]) Get(keys []string) ([]T, error) {
	raws, err := s.sub.GetIoVals(JoinKeys(keys...))
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(raws))
	for _, raw := range raws {
		val, err := s.dec(string(raw))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecode, err)
		}
		out = append(out, val)
	}
	return out, nil
}

func (s *CesrIoSetSuber[T]) Cnt(keys []string) (int, error) {
	return s.sub.CntIoVals(JoinKeys(keys...))
}

func (s *CesrIoSetSuber[T]) Rem(keys []string) (bool, error) {
	return s.sub.DelIoVals(JoinKeys(keys...))
}

func (s *CesrIoSetSuber[T]) RemVal(keys []string, val T) (bool, error) {
	return s.sub.DelIoVal(JoinKeys(keys...), []byte(val.Qb64()))
}

// ScanItems iterates members of every set whose composite key starts with
// the top key components, in key order then insertion order. A trailing
// empty component scans all sets sharing the leading components.
func (s *CesrIoSetSuber[T]) ScanItems(top []string, fn func(keys []string, val T) error) error {
	return s.sub.ScanIo(JoinKeys(top...), func(key, raw []byte) error {
		val, err := s.dec(string(raw))
		if err != nil {
			return fmt.Errorf("%w: %v", ErrDecode, err)
		}
		return fn(SplitKeys(key), val)
	})
}

// Splitter divides a concatenation of qualified primitives into its parts.
type Splitter func(cat string) ([]string, error)

// CatIoSetSuber is an insertion ordered set view whose member values are a
// concatenation of several qualified primitives. The splitter exploits the
// self framing property of qualified material.
type CatIoSetSuber struct {
	sub   *Sub
	split Splitter
}

func NewCatIoSetSuber(db *DB, name string, split Splitter) (*CatIoSetSuber, error) {
	sub, err := db.Sub(name)
	if err != nil {
		return nil, err
	}
	return &CatIoSetSuber{sub: sub, split: split}, nil
}

func (s *CatIoSetSuber) Add(keys []string, parts ...string) (bool, error) {
	cat := ""
	for _, p := range parts {
		cat += p
	}
	return s.sub.AddIoVal(JoinKeys(keys...), []byte(cat))
}

func (s *CatIoSetSuber) Get(keys []string) ([][]string, error) {
	raws, err := s.sub.GetIoVals(JoinKeys(keys...))
	if err != nil {
		return nil, err
	}
	out := make([][]string, 0, len(raws))
	for _, raw := range raws {
		parts, err := s.split(string(raw))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCatSplit, err)
		}
		out = append(out, parts)
	}
	return out, nil
}

func (s *CatIoSetSuber) Cnt(keys []string) (int, error) {
	return s.sub.CntIoVals(JoinKeys(keys...))
}

func (s *CatIoSetSuber) Rem(keys []string) (bool, error) {
	return s.sub.DelIoVals(JoinKeys(keys...))
}

func (s *CatIoSetSuber) RemVal(keys []string, parts ...string) (bool, error) {
	cat := ""
	for _, p := range parts {
		cat += p
	}
	return s.sub.DelIoVal(JoinKeys(keys...), []byte(cat))
}

// ScanItems iterates members of every set whose composite key starts with
// the top key components, passing split member parts.
func (s *CatIoSetSuber) ScanItems(top []string, fn func(keys []string, parts []string) error) error {
	return s.sub.ScanIo(JoinKeys(top...), func(key, raw []byte) error {
		parts, err := s.split(string(raw))
		if err != nil {
			return fmt.Errorf("%w: %v", ErrCatSplit, err)
		}
		return fn(SplitKeys(key), parts)
	})
}
