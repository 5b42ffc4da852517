package registry

import (
	"fmt"

	"github.com/openvdr/go-vdr/cesr"
	"github.com/openvdr/go-vdr/vdb"
)

// State is the persisted snapshot of the latest validated configuration of
// one registry: its backers, thresholds and the KEL anchor that committed
// the latest management event.
type State struct {
	// Prefix is the registry identifier.
	Prefix string `cbor:"1,keyasint"`
	// Issuer is the controlling identifier prefix.
	Issuer string `cbor:"2,keyasint"`
	// Sn and Said identify the latest validated management event.
	Sn   uint64 `cbor:"3,keyasint"`
	Said string `cbor:"4,keyasint"`
	// Toad is the backer threshold.
	Toad uint64 `cbor:"5,keyasint"`
	// Backers is the current ordered backer list.
	Backers []string `cbor:"6,keyasint,omitempty"`
	// AnchorSn and AnchorSaid locate the KEL establishment event that
	// anchors Said.
	AnchorSn   uint64 `cbor:"7,keyasint"`
	AnchorSaid string `cbor:"8,keyasint"`
	// Dts is the first seen datetime of the latest management event.
	Dts string `cbor:"9,keyasint"`
}

// StateSuber stores registry state snapshots CBOR encoded, keyed by
// registry prefix.
type StateSuber struct {
	sub   *vdb.Sub
	codec stateCodec
}

func NewStateSuber(db *vdb.DB, name string, codec stateCodec) (*StateSuber, error) {
	sub, err := db.Sub(name)
	if err != nil {
		return nil, err
	}
	return &StateSuber{sub: sub, codec: codec}, nil
}

// Pin overwrites the snapshot for the keyed registry.
func (s *StateSuber) Pin(keys []string, state State) error {
	raw, err := s.codec.MarshalCBOR(state)
	if err != nil {
		return err
	}
	return s.sub.Set(vdb.JoinKeys(keys...), raw)
}

func (s *StateSuber) Get(keys []string) (State, bool, error) {
	raw, found, err := s.sub.Get(vdb.JoinKeys(keys...))
	if err != nil || !found {
		return State{}, false, err
	}
	var state State
	if err := s.codec.UnmarshalCBOR(raw, &state); err != nil {
		return State{}, false, fmt.Errorf("%w: %v", ErrStateEncoding, err)
	}
	return state, true, nil
}

func (s *StateSuber) Rem(keys []string) (bool, error) {
	return s.sub.Del(vdb.JoinKeys(keys...))
}

// RegistryRecord maps a human registry name to its registry key and
// identifier prefix.
type RegistryRecord struct {
	RegistryKey string `cbor:"1,keyasint"`
	Prefix      string `cbor:"2,keyasint"`
}

// RegSuber stores registry records CBOR encoded, keyed by registry name.
type RegSuber struct {
	sub   *vdb.Sub
	codec stateCodec
}

func NewRegSuber(db *vdb.DB, name string, codec stateCodec) (*RegSuber, error) {
	sub, err := db.Sub(name)
	if err != nil {
		return nil, err
	}
	return &RegSuber{sub: sub, codec: codec}, nil
}

func (s *RegSuber) Put(name string, rec RegistryRecord) (bool, error) {
	raw, err := s.codec.MarshalCBOR(rec)
	if err != nil {
		return false, err
	}
	return s.sub.Put([]byte(name), raw)
}

func (s *RegSuber) Pin(name string, rec RegistryRecord) error {
	raw, err := s.codec.MarshalCBOR(rec)
	if err != nil {
		return err
	}
	return s.sub.Set([]byte(name), raw)
}

func (s *RegSuber) Get(name string) (RegistryRecord, bool, error) {
	raw, found, err := s.sub.Get([]byte(name))
	if err != nil || !found {
		return RegistryRecord{}, false, err
	}
	var rec RegistryRecord
	if err := s.codec.UnmarshalCBOR(raw, &rec); err != nil {
		return RegistryRecord{}, false, fmt.Errorf("%w: %v", ErrStateEncoding, err)
	}
	return rec, true, nil
}

func (s *RegSuber) Rem(name string) (bool, error) {
	return s.sub.Del([]byte(name))
}

// Broker groups the sub databases persisting registry transaction state
// notices awaiting anchor resolution: the serialized notice, its datetime
// stamp, and an insertion ordered escrow index per route.
type Broker struct {
	Escrows *vdb.CesrIoSetSuber[cesr.Saider]
	Dates   *vdb.CesrSuber[cesr.Dater]
	Sers    *vdb.Sub
}

func NewBroker(db *vdb.DB, subkey string) (*Broker, error) {
	escrows, err := vdb.NewCesrIoSetSuber(db, subkey+"es.", cesr.NewSaider)
	if err != nil {
		return nil, err
	}
	dates, err := vdb.NewCesrSuber(db, subkey+"dt.", cesr.NewDaterQb64)
	if err != nil {
		return nil, err
	}
	sers, err := db.Sub(subkey + "ser.")
	if err != nil {
		return nil, err
	}
	return &Broker{Escrows: escrows, Dates: dates, Sers: sers}, nil
}

// EscrowStateNotice records a serialized transaction state notice under
// (route, said) with a datetime stamp. Escrow insertion is a quiescent
// state, not an error path.
func (b *Broker) EscrowStateNotice(route, pre, said string, raw []byte, dt cesr.Dater) error {
	saider, err := cesr.NewSaider(said)
	if err != nil {
		return err
	}
	if _, err = b.Escrows.Add([]string{route, pre}, saider); err != nil {
		return err
	}
	if err = b.Dates.Pin([]string{route, said}, dt); err != nil {
		return err
	}
	return b.Sers.Set(vdb.JoinKeys(route, said), raw)
}

// GetStateNotice returns the serialized notice stored under (route, said).
func (b *Broker) GetStateNotice(route, said string) ([]byte, bool, error) {
	return b.Sers.Get(vdb.JoinKeys(route, said))
}

// RemoveStateNotice clears all escrow traces of (route, pre, said),
// as when the awaited anchor finally resolves or the escrow expires.
func (b *Broker) RemoveStateNotice(route, pre, said string) error {
	saider, err := cesr.NewSaider(said)
	if err != nil {
		return err
	}
	if _, err = b.Escrows.RemVal([]string{route, pre}, saider); err != nil {
		return err
	}
	if _, err = b.Dates.Rem([]string{route, said}); err != nil {
		return err
	}
	_, err = b.Sers.Del(vdb.JoinKeys(route, said))
	return err
}
