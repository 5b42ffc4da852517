// Package registry implements the verifiable issuance/revocation registry
// store: the transaction event log sub databases with their escrow tables,
// the registry state cache, and credential persistence with sad pathed
// signature sets.
package registry

import (
	"errors"
	"fmt"

	"github.com/datatrails/go-datatrails-common/logger"

	"github.com/openvdr/go-vdr/cesr"
	"github.com/openvdr/go-vdr/vdb"
)

var (
	ErrMissingEntry  = errors.New("a referenced event body or anchor is not present")
	ErrNotFound      = errors.New("unknown registry")
	ErrNoCredential  = errors.New("credential not present in store")
	ErrStateEncoding = errors.New("registry state record does not decode")
)

// KeyStateSource resolves key event log state for registry issuers. The
// key event log itself lives outside this store.
type KeyStateSource interface {
	// HasEvent reports whether the key event identified by prefix and
	// said is locally present.
	HasEvent(pre, said string) bool
}

// Reger owns the named sub databases of one verifiable registry store.
// Individual tables are exposed as typed views; composite operations that
// span tables are methods.
type Reger struct {
	log   logger.Logger
	db    *vdb.DB
	codec stateCodec

	// Registries is the ordered set of registry prefixes this store manages.
	Registries []string

	// Tevers is the in memory registry state cache with read through
	// rehydration from the states table.
	Tevers *Tevers

	// canonical log tables
	Tvts *vdb.Sub // event bodies keyed by (pre, dig)
	Tels *vdb.Sub // (pre, sn) -> dig log
	Tibs *vdb.Sub // dup indexed backer signatures keyed by (pre, dig)
	Baks *vdb.Sub // insertion ordered backer prefixes keyed by (pre, dig)
	Ancs *vdb.Sub // KEL anchor couples keyed by (pre, dig)

	// event escrow tables
	Oots *vdb.Sub // out of order
	Twes *vdb.Sub // partially witnessed
	Taes *vdb.Sub // anchorless

	Tets   *vdb.CesrSuber[cesr.Dater] // first seen datetimes keyed by (pre, dig)
	States *StateSuber                // registry state snapshots keyed by prefix

	// credential tables
	Creds *CrederSuber                    // credential bodies keyed by said
	Spsgs *vdb.CesrIoSetSuber[cesr.Siger] // sad path trans sigs, quin keyed
	Spcgs *vdb.CatIoSetSuber              // sad path nontrans (verfer, cigar) couples
	Saved *vdb.CesrSuber[cesr.Saider]     // fully verified credential index
	Issus *vdb.CesrDupSuber[cesr.Saider]  // credentials by issuer
	Subjs *vdb.CesrDupSuber[cesr.Saider]  // credentials by subject
	Schms *vdb.CesrDupSuber[cesr.Saider]  // credentials by schema

	// credential escrow stamps
	Pse *vdb.CesrSuber[cesr.Dater] // partially signed
	Mre *vdb.CesrSuber[cesr.Dater] // missing registry
	Mie *vdb.CesrSuber[cesr.Dater] // missing issuer
	Mce *vdb.CesrSuber[cesr.Dater] // broken chain
	Mse *vdb.CesrSuber[cesr.Dater] // missing schema

	// registry transaction state notices
	Txnsb *Broker

	// registry records keyed by name
	Regs *RegSuber

	// TEL escrows carrying (prefixer, seqner, saider) triples
	Tpwe *vdb.CatIoSetSuber // partial witness
	Tmse *vdb.CatIoSetSuber // multisig anchor
	Tede *vdb.CatIoSetSuber // event dissemination

	Ctel *vdb.CesrSuber[cesr.Saider] // completed TEL events

	Crie *CrederSuber // credential issuance escrow
	Cmse *CrederSuber // credential missing signature escrow
	Ccrd *CrederSuber // completed credentials
}

// OpenReger opens the registry store environment at path and all of its
// named sub databases. kels resolves issuer key state for the Tever cache
// and may be nil for stores that never rehydrate registry state.
func OpenReger(log logger.Logger, path string, kels KeyStateSource) (*Reger, error) {
	db, err := vdb.Open(log, path)
	if err != nil {
		return nil, err
	}
	r := &Reger{log: log, db: db}
	if r.codec, err = newStateCodec(); err != nil {
		db.Close()
		return nil, err
	}
	if err = r.openSubs(); err != nil {
		db.Close()
		return nil, fmt.Errorf("opening registry sub databases: %w", err)
	}
	r.Tevers = newTevers(r, kels)
	return r, nil
}

func (r *Reger) openSubs() error {
	var err error
	rawSub := func(name string) *vdb.Sub {
		if err != nil {
			return nil
		}
		var s *vdb.Sub
		s, err = r.db.Sub(name)
		return s
	}

	r.Tvts = rawSub("tvts.")
	r.Tels = rawSub("tels.")
	r.Tibs = rawSub("tibs.")
	r.Baks = rawSub("baks.")
	r.Ancs = rawSub("ancs.")
	r.Oots = rawSub("oots.")
	r.Twes = rawSub("twes.")
	r.Taes = rawSub("taes.")
	if err != nil {
		return err
	}

	if r.Tets, err = vdb.NewCesrSuber(r.db, "tets.", cesr.NewDaterQb64); err != nil {
		return err
	}
	if r.States, err = NewStateSuber(r.db, "stts.", r.codec); err != nil {
		return err
	}
	if r.Creds, err = NewCrederSuber(r.db, "creds."); err != nil {
		return err
	}
	if r.Spsgs, err = vdb.NewCesrIoSetSuber(r.db, "ssgs.", cesr.NewSiger); err != nil {
		return err
	}
	if r.Spcgs, err = vdb.NewCatIoSetSuber(r.db, "scgs.", splitQb64); err != nil {
		return err
	}
	if r.Saved, err = vdb.NewCesrSuber(r.db, "saved.", cesr.NewSaider); err != nil {
		return err
	}
	if r.Issus, err = vdb.NewCesrDupSuber(r.db, "issus.", cesr.NewSaider); err != nil {
		return err
	}
	if r.Subjs, err = vdb.NewCesrDupSuber(r.db, "subjs.", cesr.NewSaider); err != nil {
		return err
	}
	if r.Schms, err = vdb.NewCesrDupSuber(r.db, "schms.", cesr.NewSaider); err != nil {
		return err
	}
	for _, e := range []struct {
		name string
		dst  **vdb.CesrSuber[cesr.Dater]
	}{
		{"pse.", &r.Pse}, {"mre.", &r.Mre}, {"mie.", &r.Mie},
		{"mce.", &r.Mce}, {"mse.", &r.Mse},
	} {
		if *e.dst, err = vdb.NewCesrSuber(r.db, e.name, cesr.NewDaterQb64); err != nil {
			return err
		}
	}
	if r.Txnsb, err = NewBroker(r.db, "txn."); err != nil {
		return err
	}
	if r.Regs, err = NewRegSuber(r.db, "regs.", r.codec); err != nil {
		return err
	}
	for _, e := range []struct {
		name string
		dst  **vdb.CatIoSetSuber
	}{
		{"tpwe.", &r.Tpwe}, {"tmse.", &r.Tmse}, {"tede.", &r.Tede},
	} {
		if *e.dst, err = vdb.NewCatIoSetSuber(r.db, e.name, splitQb64); err != nil {
			return err
		}
	}
	if r.Ctel, err = vdb.NewCesrSuber(r.db, "ctel.", cesr.NewSaider); err != nil {
		return err
	}
	if r.Crie, err = NewCrederSuber(r.db, "crie."); err != nil {
		return err
	}
	if r.Cmse, err = NewCrederSuber(r.db, "cmse."); err != nil {
		return err
	}
	r.Ccrd, err = NewCrederSuber(r.db, "ccrd.")
	return err
}

func (r *Reger) Close() error { return r.db.Close() }

// DB exposes the underlying environment for collaborators that share it,
// such as a mailbox store.
func (r *Reger) DB() *vdb.DB { return r.db }

// AddRegistry records a registry prefix in the ordered owned set.
func (r *Reger) AddRegistry(pre string) {
	for _, have := range r.Registries {
		if have == pre {
			return
		}
	}
	r.Registries = append(r.Registries, pre)
}

// splitQb64 divides a concatenation of qualified primitives using their
// self framing codes.
func splitQb64(cat string) ([]string, error) {
	var parts []string
	for len(cat) > 0 {
		n, err := cesr.Sniff(cat)
		if err != nil {
			return nil, err
		}
		if n > len(cat) {
			return nil, fmt.Errorf("%w: %d byte part in %d byte remainder", cesr.ErrShortMaterial, n, len(cat))
		}
		parts = append(parts, cat[:n])
		cat = cat[n:]
	}
	return parts, nil
}

// ClonePreIter returns each event message for registry prefix pre in first
// seen order starting at ordinal fn, with its attachment section framed:
// indexed backer signatures, then the KEL source seal couple, under an
// outer pipelining counter.
func (r *Reger) ClonePreIter(pre string, fn uint64) ([][]byte, error) {
	var msgs [][]byte
	err := r.Tels.ScanOrdPre(pre, fn, func(_ uint64, dig []byte) error {
		msg, err := r.cloneEvtMsg(pre, string(dig))
		if err != nil {
			return err
		}
		msgs = append(msgs, msg)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

func (r *Reger) cloneEvtMsg(pre, dig string) ([]byte, error) {
	dgkey := vdb.DgKey(pre, dig)
	raw, found, err := r.Tvts.Get(dgkey)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: dig=%s", ErrMissingEntry, dig)
	}

	var atc []byte
	tibs, err := r.Tibs.GetVals(dgkey)
	if err != nil {
		return nil, err
	}
	if len(tibs) > 0 {
		ctr, err := cesr.NewCounter(cesr.WitnessIdxSigs, len(tibs))
		if err != nil {
			return nil, err
		}
		atc = append(atc, ctr.Qb64()...)
		for _, tib := range tibs {
			atc = append(atc, tib...)
		}
	}

	couple, found, err := r.Ancs.Get(dgkey)
	if err != nil {
		return nil, err
	}
	if found {
		ctr, err := cesr.NewCounter(cesr.SealSourceCouples, 1)
		if err != nil {
			return nil, err
		}
		atc = append(atc, ctr.Qb64()...)
		atc = append(atc, couple...)
	}

	framed, err := cesr.FrameAttachments(atc)
	if err != nil {
		return nil, err
	}
	return append(raw, framed...), nil
}

// CntTels counts log entries for pre with ordinal >= fn.
func (r *Reger) CntTels(pre string, fn uint64) (int, error) {
	return r.Tels.CntOrdPre(pre, fn)
}
