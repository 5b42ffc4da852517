package forwarding

import (
	"bytes"
	"slices"

	"github.com/openvdr/go-vdr/cesr"
	"github.com/openvdr/go-vdr/vdb"
)

// Introduce clones and returns the habitat's KEL followed by a signed end
// role reply when the target witness has not yet receipted the habitat's
// inception. A witness already in the habitat's own witness set, or one
// that has receipted, needs no introduction and gets zero bytes.
func Introduce(hab Habitat, wit string) ([]byte, error) {
	if slices.Contains(hab.Wits(), wit) {
		return nil, nil
	}

	witPrefixer, err := cesr.NewPrefixer(wit)
	if err != nil {
		return nil, err
	}
	dgkey := vdb.DgKey(wit, hab.KeverSaid())
	pre := []byte(hab.Pre())

	found := false
	if witPrefixer.Transferable() {
		for _, quadruple := range hab.ReceiptQuadruples(dgkey) {
			if bytes.HasPrefix(quadruple, pre) {
				found = true
			}
		}
	} else {
		for _, couple := range hab.ReceiptCouples(dgkey) {
			if bytes.HasPrefix(couple, pre) {
				found = true
			}
		}
	}
	if found {
		return nil, nil
	}

	var msgs []byte
	cloned, err := hab.ClonePreIter(hab.Pre(), 0)
	if err != nil {
		return nil, err
	}
	for _, msg := range cloned {
		msgs = append(msgs, msg...)
	}
	reply, err := hab.ReplyEndRole(hab.Pre())
	if err != nil {
		return nil, err
	}
	return append(msgs, reply...), nil
}
