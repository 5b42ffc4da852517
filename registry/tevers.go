package registry

import (
	"fmt"

	"github.com/openvdr/go-vdr/cesr"
	"github.com/openvdr/go-vdr/vdb"
)

// Tever is the in memory view of one registry's current state. It keeps a
// back pointer to the store so per credential status can be derived on
// demand from the transaction event log.
type Tever struct {
	state State
	reger *Reger
}

// newTever rehydrates a Tever from a persisted snapshot. Construction
// fails with ErrMissingEntry when the anchoring KEL event is not locally
// present, which callers surface as an unknown registry.
func newTever(state State, reger *Reger, kels KeyStateSource) (*Tever, error) {
	if kels == nil || !kels.HasEvent(state.Issuer, state.AnchorSaid) {
		return nil, fmt.Errorf("%w: anchor %s for issuer %s", ErrMissingEntry, state.AnchorSaid, state.Issuer)
	}
	return &Tever{state: state, reger: reger}, nil
}

// NewTever builds a Tever directly from a validated state, as when a
// registry transition has just been processed locally.
func NewTever(state State, reger *Reger) *Tever {
	return &Tever{state: state, reger: reger}
}

func (t *Tever) Pre() string  { return t.state.Prefix }
func (t *Tever) State() State { return t.state }

// Update replaces the in memory state after a registry state transition.
// Persisting the replacement is the cache's concern, via Tevers.Set.
func (t *Tever) Update(state State) { t.state = state }

// VcState derives the current status of the credential identified by
// vcpre from its transaction event log: the latest event's ilk, ordinal
// and digest, plus the first seen datetime when recorded.
func (t *Tever) VcState(vcpre string) (map[string]any, error) {
	var lastSn uint64
	var lastDig string
	found := false
	err := t.reger.Tels.ScanOrdPre(vcpre, 0, func(on uint64, dig []byte) error {
		lastSn, lastDig = on, string(dig)
		found = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: no events for credential %s", ErrNotFound, vcpre)
	}

	raw, ok, err := t.reger.Tvts.Get(vdb.DgKey(vcpre, lastDig))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: dig=%s", ErrMissingEntry, lastDig)
	}
	srdr, err := cesr.NewSerderRaw(raw)
	if err != nil {
		return nil, err
	}

	status := map[string]any{
		"i":  vcpre,
		"s":  fmt.Sprintf("%x", lastSn),
		"d":  lastDig,
		"ri": t.state.Prefix,
		"et": srdr.Ilk(),
	}
	if dt, ok, err := t.reger.Tets.Get([]string{vcpre, lastDig}); err != nil {
		return nil, err
	} else if ok {
		status["dt"] = dt.Dts()
	}
	return status, nil
}

// Tevers maps registry prefixes to their Tever with read through
// rehydration from the persisted states table. The single threaded core
// is the only accessor so no locking is required.
type Tevers struct {
	reger *Reger
	kels  KeyStateSource
	m     map[string]*Tever
}

func newTevers(reger *Reger, kels KeyStateSource) *Tevers {
	return &Tevers{reger: reger, kels: kels, m: make(map[string]*Tever)}
}

// Get returns the cached Tever for pre, rehydrating from the states table
// on a miss. ErrNotFound means no persisted state exists or the state
// cannot be rehydrated because its KEL anchor is not locally present.
func (tv *Tevers) Get(pre string) (*Tever, error) {
	if t, ok := tv.m[pre]; ok {
		return t, nil
	}
	state, found, err := tv.reger.States.Get([]string{pre})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, pre)
	}
	t, err := newTever(state, tv.reger, tv.kels)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNotFound, pre, err)
	}
	tv.m[pre] = t
	return t, nil
}

// Set caches the Tever and writes its state through to the states table,
// overwriting any previous snapshot.
func (tv *Tevers) Set(pre string, t *Tever) error {
	tv.m[pre] = t
	return tv.reger.States.Pin([]string{pre}, t.State())
}

// Del evicts the cache entry and removes the persisted state.
func (tv *Tevers) Del(pre string) error {
	delete(tv.m, pre)
	_, err := tv.reger.States.Rem([]string{pre})
	return err
}

// Has reports membership, consulting the loader rather than only the in
// memory map.
func (tv *Tevers) Has(pre string) bool {
	_, err := tv.Get(pre)
	return err == nil
}
