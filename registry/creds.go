package registry

import (
	"fmt"

	"github.com/openvdr/go-vdr/cesr"
	"github.com/openvdr/go-vdr/vdb"
)

// Creder wraps a serialized self addressing credential document.
type Creder struct {
	*cesr.Serder
}

func ParseCreder(raw []byte) (*Creder, error) {
	srdr, err := cesr.NewSerderRaw(raw)
	if err != nil {
		return nil, err
	}
	return &Creder{Serder: srdr}, nil
}

func (c *Creder) Issuer() string {
	i, _ := c.Ked()["i"].(string)
	return i
}

func (c *Creder) Schema() string {
	s, _ := c.Ked()["s"].(string)
	return s
}

// Status is the registry identifier the credential's issuance state lives in.
func (c *Creder) Status() string {
	ri, _ := c.Ked()["ri"].(string)
	return ri
}

func (c *Creder) Subject() string {
	a, _ := c.Ked()["a"].(map[string]any)
	i, _ := a["i"].(string)
	return i
}

// EdgeSaids returns the saids of chained credentials from the edge list.
// Each edge is a single entry map whose value carries a `d` field.
func (c *Creder) EdgeSaids() []string {
	edges, _ := c.Ked()["e"].([]any)
	var saids []string
	for _, e := range edges {
		em, ok := e.(map[string]any)
		if !ok {
			continue
		}
		for _, v := range em {
			if vm, ok := v.(map[string]any); ok {
				if d, ok := vm["d"].(string); ok {
					saids = append(saids, d)
				}
			}
		}
	}
	return saids
}

// CrederSuber stores serialized credentials keyed by said.
type CrederSuber struct {
	sub *vdb.Sub
}

func NewCrederSuber(db *vdb.DB, name string) (*CrederSuber, error) {
	sub, err := db.Sub(name)
	if err != nil {
		return nil, err
	}
	return &CrederSuber{sub: sub}, nil
}

func (s *CrederSuber) Put(said string, creder *Creder) (bool, error) {
	return s.sub.Put([]byte(said), creder.Raw())
}

func (s *CrederSuber) Pin(said string, creder *Creder) error {
	return s.sub.Set([]byte(said), creder.Raw())
}

func (s *CrederSuber) Get(said string) (*Creder, bool, error) {
	raw, found, err := s.sub.Get([]byte(said))
	if err != nil || !found {
		return nil, false, err
	}
	creder, err := ParseCreder(raw)
	if err != nil {
		return nil, false, err
	}
	return creder, true, nil
}

func (s *CrederSuber) Rem(said string) (bool, error) {
	return s.sub.Del([]byte(said))
}

// TransSigGroup is a sad pathed signature group from a transferable
// identifier: the path into the document, the signer's prefix, the
// establishment event that keyed the signatures, and the indexed
// signatures themselves.
type TransSigGroup struct {
	Pather   cesr.Pather
	Prefixer cesr.Prefixer
	Seqner   cesr.Seqner
	Saider   cesr.Saider
	Sigers   []cesr.Siger
}

// NonTransSigPair is a sad pathed nonindexed signature from a
// nontransferable signer.
type NonTransSigPair struct {
	Pather cesr.Pather
	Cigar  cesr.Cigar
}

// LogCred persists the base credential and its sad pathed signature sets.
// Group sequence numbers are keyed in 32 character zero padded hex so that
// the lexicographic duplicate order equals numeric order.
func (r *Reger) LogCred(creder *Creder, sadsigers []TransSigGroup, sadcigars []NonTransSigPair) error {
	said := creder.Said()
	if _, err := r.Creds.Put(said, creder); err != nil {
		return err
	}

	for _, pair := range sadcigars {
		keys := []string{said, pair.Pather.Qb64()}
		if _, err := r.Spcgs.Add(keys, pair.Cigar.Verfer().Qb64(), pair.Cigar.Qb64()); err != nil {
			return err
		}
	}
	for _, tsg := range sadsigers {
		quinkeys := []string{
			said, tsg.Pather.Qb64(), tsg.Prefixer.Qb64(), tsg.Seqner.Huge(), tsg.Saider.Qb64(),
		}
		for _, siger := range tsg.Sigers {
			if _, err := r.Spsgs.Add(quinkeys, siger); err != nil {
				return err
			}
		}
	}
	return nil
}

// CloneCred loads the base credential and its signature sets from the
// store. When root is non nil every group's path is transposed under it,
// as when the credential is embedded as a sub document at that location.
func (r *Reger) CloneCred(said string, root *cesr.Pather) (*Creder, []TransSigGroup, []NonTransSigPair, error) {
	creder, found, err := r.Creds.Get(said)
	if err != nil {
		return nil, nil, nil, err
	}
	if !found {
		return nil, nil, nil, fmt.Errorf("%w: %s", ErrNoCredential, said)
	}

	var sadcigars []NonTransSigPair
	err = r.Spcgs.ScanItems([]string{said, ""}, func(keys []string, parts []string) error {
		if len(keys) != 2 || len(parts) != 2 {
			return fmt.Errorf("%w: nontrans couple keyed %v", vdb.ErrCatSplit, keys)
		}
		pather, err := cesr.NewPatherQb64(keys[1])
		if err != nil {
			return err
		}
		if root != nil {
			pather = pather.Root(*root)
		}
		verfer, err := cesr.NewVerfer(parts[0])
		if err != nil {
			return err
		}
		cigar, err := cesr.NewCigar(parts[1], verfer)
		if err != nil {
			return err
		}
		sadcigars = append(sadcigars, NonTransSigPair{Pather: pather, Cigar: cigar})
		return nil
	})
	if err != nil {
		return nil, nil, nil, err
	}

	var sadsigers []TransSigGroup
	var quad []string
	var sigers []cesr.Siger
	flush := func() error {
		if len(sigers) == 0 {
			return nil
		}
		group, err := makeTransSigGroup(quad, sigers, root)
		if err != nil {
			return err
		}
		sadsigers = append(sadsigers, group)
		sigers = nil
		return nil
	}
	err = r.Spsgs.ScanItems([]string{said, ""}, func(keys []string, siger cesr.Siger) error {
		if len(keys) != 5 {
			return fmt.Errorf("%w: trans group keyed %v", vdb.ErrCatSplit, keys)
		}
		if !equalKeys(quad, keys[1:]) {
			if err := flush(); err != nil {
				return err
			}
			quad = keys[1:]
		}
		sigers = append(sigers, siger)
		return nil
	})
	if err != nil {
		return nil, nil, nil, err
	}
	if err := flush(); err != nil {
		return nil, nil, nil, err
	}

	return creder, sadsigers, sadcigars, nil
}

func equalKeys(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func makeTransSigGroup(quad []string, sigers []cesr.Siger, root *cesr.Pather) (TransSigGroup, error) {
	pather, err := cesr.NewPatherQb64(quad[0])
	if err != nil {
		return TransSigGroup{}, err
	}
	if root != nil {
		pather = pather.Root(*root)
	}
	prefixer, err := cesr.NewPrefixer(quad[1])
	if err != nil {
		return TransSigGroup{}, err
	}
	sn, err := vdb.ParseOrd(quad[2])
	if err != nil {
		return TransSigGroup{}, err
	}
	saider, err := cesr.NewSaider(quad[3])
	if err != nil {
		return TransSigGroup{}, err
	}
	return TransSigGroup{
		Pather:   pather,
		Prefixer: prefixer,
		Seqner:   cesr.NewSeqner(sn),
		Saider:   saider,
		Sigers:   append([]cesr.Siger(nil), sigers...),
	}, nil
}

// CloneCreds fully expands each credential: its signature sets, its chain
// of sourced credentials, and its current registry status. Chains are
// walked depth first with a visited set so cyclic edges terminate.
func (r *Reger) CloneCreds(saids []string) ([]map[string]any, error) {
	visited := make(map[string]bool)
	return r.cloneCreds(saids, visited)
}

func (r *Reger) cloneCreds(saids []string, visited map[string]bool) ([]map[string]any, error) {
	creds := []map[string]any{}
	for _, said := range saids {
		if visited[said] {
			continue
		}
		visited[said] = true

		creder, sadsigers, sadcigars, err := r.CloneCred(said, nil)
		if err != nil {
			return nil, err
		}

		chains, err := r.cloneCreds(creder.EdgeSaids(), visited)
		if err != nil {
			return nil, err
		}

		tever, err := r.Tevers.Get(creder.Status())
		if err != nil {
			return nil, err
		}
		status, err := tever.VcState(said)
		if err != nil {
			return nil, err
		}

		sigs := make([]map[string]any, 0, len(sadsigers))
		for _, tsg := range sadsigers {
			sigs = append(sigs, map[string]any{
				"path": tsg.Pather.Text(),
				"pre":  tsg.Prefixer.Qb64(),
				"sn":   tsg.Seqner.Sn(),
				"d":    tsg.Saider.Qb64(),
			})
		}
		cigs := make([]map[string]any, 0, len(sadcigars))
		for _, pair := range sadcigars {
			cigs = append(cigs, map[string]any{
				"path":  pair.Pather.Text(),
				"cigar": pair.Cigar.Qb64(),
			})
		}

		creds = append(creds, map[string]any{
			"sad":       creder.Ked(),
			"pre":       creder.Issuer(),
			"sadsigers": sigs,
			"sadcigars": cigs,
			"chains":    chains,
			"status":    status,
		})
	}
	return creds, nil
}

// SourceCred is a chained credential resolved from an edge, with its
// provisioned serialization: the credential body plus its framed sad path
// signature attachments.
type SourceCred struct {
	Creder *Creder
	Raw    []byte
}

// Sources resolves every credential reachable over `e` edges from creder,
// depth first. Re-entry into an already visited credential is skipped so
// cyclic chains terminate.
func (r *Reger) Sources(creder *Creder) ([]SourceCred, error) {
	visited := map[string]bool{creder.Said(): true}
	return r.sources(creder, visited)
}

func (r *Reger) sources(creder *Creder, visited map[string]bool) ([]SourceCred, error) {
	var out []SourceCred
	for _, said := range creder.EdgeSaids() {
		if visited[said] {
			continue
		}
		visited[said] = true

		screder, sadsigers, sadcigars, err := r.CloneCred(said, nil)
		if err != nil {
			return nil, err
		}
		raw, err := provision(screder, sadsigers, sadcigars)
		if err != nil {
			return nil, err
		}
		out = append(out, SourceCred{Creder: screder, Raw: raw})

		deeper, err := r.sources(screder, visited)
		if err != nil {
			return nil, err
		}
		out = append(out, deeper...)
	}
	return out, nil
}

// provision serializes a credential with its signature attachments framed
// under the outer pipelining counter.
func provision(creder *Creder, sadsigers []TransSigGroup, sadcigars []NonTransSigPair) ([]byte, error) {
	var atc []byte
	for _, tsg := range sadsigers {
		grp, err := cesr.NewCounter(cesr.TransIdxSigGroups, 1)
		if err != nil {
			return nil, err
		}
		atc = append(atc, grp.Qb64()...)
		atc = append(atc, tsg.Prefixer.Qb64()...)
		atc = append(atc, tsg.Seqner.Qb64()...)
		atc = append(atc, tsg.Saider.Qb64()...)
		sigs := make([]string, 0, len(tsg.Sigers))
		for _, siger := range tsg.Sigers {
			sigs = append(sigs, siger.Qb64())
		}
		framedSigs, err := cesr.CountIdxSigs(cesr.ControllerIdxSigs, sigs)
		if err != nil {
			return nil, err
		}
		atc = append(atc, framedSigs...)
	}
	if len(sadcigars) > 0 {
		ctr, err := cesr.NewCounter(cesr.NonTransReceiptCouples, len(sadcigars))
		if err != nil {
			return nil, err
		}
		atc = append(atc, ctr.Qb64()...)
		for _, pair := range sadcigars {
			atc = append(atc, pair.Cigar.Verfer().Qb64()...)
			atc = append(atc, pair.Cigar.Qb64()...)
		}
	}

	framed, err := cesr.FrameAttachments(atc)
	if err != nil {
		return nil, err
	}
	return append(creder.Raw(), framed...), nil
}
