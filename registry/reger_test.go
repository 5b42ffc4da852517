package registry

import (
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/datatrails/go-datatrails-common/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openvdr/go-vdr/cesr"
	"github.com/openvdr/go-vdr/vdb"
)

// testKels answers key state lookups from a fixed set.
type testKels struct {
	events map[string]bool
}

func (k *testKels) HasEvent(pre, said string) bool {
	return k.events[pre+"|"+said]
}

func testOpenReger(t *testing.T, kels KeyStateSource) *Reger {
	t.Helper()
	logger.New("NOOP")
	t.Cleanup(logger.OnExit)

	r, err := OpenReger(logger.Sugar.WithServiceName("regertest"),
		filepath.Join(t.TempDir(), "reg.db"), kels)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func testmkpre(c byte) string {
	return "E" + strings.Repeat(string(c), 43)
}

func testmksiger(t *testing.T, c byte) cesr.Siger {
	t.Helper()
	siger, err := cesr.NewSiger("AA" + strings.Repeat(string(c), 86))
	require.NoError(t, err)
	return siger
}

// testmkevt serializes a minimal TEL event and stores it with its log
// entry, returning the serder.
func testmkevt(t *testing.T, r *Reger, pre string, sn uint64, ilk string) *cesr.Serder {
	t.Helper()
	srdr, err := cesr.NewSerderKed(map[string]any{
		"v":  fmt.Sprintf(cesr.VersionFull, 0),
		"t":  ilk,
		"d":  cesr.SaidDigest(fmt.Appendf(nil, "%s%d", pre, sn)).Qb64(),
		"i":  pre,
		"s":  fmt.Sprintf("%x", sn),
		"ri": testmkpre('R'),
	})
	require.NoError(t, err)

	written, err := r.Tvts.Put(vdb.DgKey(pre, srdr.Said()), srdr.Raw())
	require.NoError(t, err)
	require.True(t, written)
	written, err = r.Tels.Put(vdb.SnKey(pre, sn), []byte(srdr.Said()))
	require.NoError(t, err)
	require.True(t, written)
	return srdr
}

func TestRegerOpensAllTables(t *testing.T) {
	r := testOpenReger(t, nil)

	for _, sub := range []*vdb.Sub{r.Tvts, r.Tels, r.Tibs, r.Baks, r.Ancs, r.Oots, r.Twes, r.Taes} {
		require.NotNil(t, sub)
	}
	require.NotNil(t, r.Tets)
	require.NotNil(t, r.States)
	require.NotNil(t, r.Creds)
	require.NotNil(t, r.Spsgs)
	require.NotNil(t, r.Spcgs)
	require.NotNil(t, r.Saved)
	require.NotNil(t, r.Issus)
	require.NotNil(t, r.Subjs)
	require.NotNil(t, r.Schms)
	require.NotNil(t, r.Pse)
	require.NotNil(t, r.Mre)
	require.NotNil(t, r.Mie)
	require.NotNil(t, r.Mce)
	require.NotNil(t, r.Mse)
	require.NotNil(t, r.Txnsb)
	require.NotNil(t, r.Regs)
	require.NotNil(t, r.Tpwe)
	require.NotNil(t, r.Tmse)
	require.NotNil(t, r.Tede)
	require.NotNil(t, r.Ctel)
	require.NotNil(t, r.Crie)
	require.NotNil(t, r.Cmse)
	require.NotNil(t, r.Ccrd)
	require.NotNil(t, r.Tevers)
}

func TestAddRegistry(t *testing.T) {
	r := testOpenReger(t, nil)
	r.AddRegistry("Ra")
	r.AddRegistry("Rb")
	r.AddRegistry("Ra")
	assert.Equal(t, []string{"Ra", "Rb"}, r.Registries)
}

func TestClonePreIterFraming(t *testing.T) {
	r := testOpenReger(t, nil)
	pre := testmkpre('P')

	srdr := testmkevt(t, r, pre, 0, "vcp")
	dgkey := vdb.DgKey(pre, srdr.Said())

	// two indexed backer signatures and one anchor couple
	sig1 := testmksiger(t, 'a')
	sig2 := testmksiger(t, 'b')
	_, err := r.Tibs.AddVal(dgkey, []byte(sig1.Qb64()))
	require.NoError(t, err)
	_, err = r.Tibs.AddVal(dgkey, []byte(sig2.Qb64()))
	require.NoError(t, err)

	couple := cesr.NewSeqner(3).Qb64() + testmkpre('K')
	_, err = r.Ancs.Put(dgkey, []byte(couple))
	require.NoError(t, err)

	msgs, err := r.ClonePreIter(pre, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	msg := string(msgs[0])
	require.True(t, strings.HasPrefix(msg, string(srdr.Raw())))
	atc := msg[srdr.Size():]

	// outer pipelining counter covers the whole attachment section
	outer, n, err := cesr.ParseCounter(atc)
	require.NoError(t, err)
	assert.Equal(t, cesr.AttachedMaterialQuadlets, outer.Code())
	body := atc[n:]
	assert.Equal(t, len(body), outer.Count()*4)

	// indexed backer signatures in lexicographic order
	want := "-BAC" + sig1.Qb64() + sig2.Qb64() + "-GAB" + couple
	assert.Equal(t, want, body)
}

func TestClonePreIterMissingBody(t *testing.T) {
	r := testOpenReger(t, nil)
	pre := testmkpre('P')

	// log entry with no stored body
	_, err := r.Tels.Put(vdb.SnKey(pre, 0), []byte(testmkpre('D')))
	require.NoError(t, err)

	_, err = r.ClonePreIter(pre, 0)
	require.ErrorIs(t, err, ErrMissingEntry)
}

func TestClonePreIterOrdinals(t *testing.T) {
	r := testOpenReger(t, nil)
	pre := testmkpre('P')

	var raws []string
	for sn := range uint64(4) {
		srdr := testmkevt(t, r, pre, sn, "iss")
		raws = append(raws, string(srdr.Raw()))
	}

	msgs, err := r.ClonePreIter(pre, 1)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	for i, msg := range msgs {
		assert.True(t, strings.HasPrefix(string(msg), raws[i+1]))
	}

	n, err := r.CntTels(pre, 0)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	n, err = r.CntTels(pre, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestRegistryRecords(t *testing.T) {
	r := testOpenReger(t, nil)

	rec := RegistryRecord{RegistryKey: testmkpre('R'), Prefix: testmkpre('P')}
	written, err := r.Regs.Put("issuances", rec)
	require.NoError(t, err)
	assert.True(t, written)

	got, found, err := r.Regs.Get("issuances")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, rec, got)

	// put does not overwrite, pin does
	other := RegistryRecord{RegistryKey: testmkpre('S'), Prefix: testmkpre('Q')}
	written, err = r.Regs.Put("issuances", other)
	require.NoError(t, err)
	assert.False(t, written)
	require.NoError(t, r.Regs.Pin("issuances", other))
	got, _, err = r.Regs.Get("issuances")
	require.NoError(t, err)
	assert.Equal(t, other, got)

	existed, err := r.Regs.Rem("issuances")
	require.NoError(t, err)
	assert.True(t, existed)
	_, found, err = r.Regs.Get("issuances")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestBrokerStateNotices(t *testing.T) {
	r := testOpenReger(t, nil)

	said := testmkpre('N')
	pre := testmkpre('P')
	dt, err := cesr.NewDater("2021-06-27T21:26:21.233257+00:00")
	require.NoError(t, err)

	require.NoError(t, r.Txnsb.EscrowStateNotice("/tsn/registry", pre, said, []byte("notice"), dt))

	raw, found, err := r.Txnsb.GetStateNotice("/tsn/registry", said)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("notice"), raw)

	saiders, err := r.Txnsb.Escrows.Get([]string{"/tsn/registry", pre})
	require.NoError(t, err)
	require.Len(t, saiders, 1)
	assert.Equal(t, said, saiders[0].Qb64())

	require.NoError(t, r.Txnsb.RemoveStateNotice("/tsn/registry", pre, said))
	_, found, err = r.Txnsb.GetStateNotice("/tsn/registry", said)
	require.NoError(t, err)
	assert.False(t, found)
	n, err := r.Txnsb.Escrows.Cnt([]string{"/tsn/registry", pre})
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestEscrowStamps(t *testing.T) {
	r := testOpenReger(t, nil)
	pre := testmkpre('P')
	dig := testmkpre('D')

	dt := cesr.NowDater()
	written, err := r.Pse.Put([]string{pre, dig}, dt)
	require.NoError(t, err)
	assert.True(t, written)

	got, found, err := r.Pse.Get([]string{pre, dig})
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, dt.Dts(), got.Dts())

	existed, err := r.Pse.Rem([]string{pre, dig})
	require.NoError(t, err)
	assert.True(t, existed)
}

func TestTelEscrowTriples(t *testing.T) {
	r := testOpenReger(t, nil)
	pre := testmkpre('P')

	prefixer := testmkpre('A')
	seqner := cesr.NewSeqner(2).Qb64()
	saider := testmkpre('S')

	added, err := r.Tpwe.Add([]string{pre, "escrow"}, prefixer, seqner, saider)
	require.NoError(t, err)
	assert.True(t, added)

	got, err := r.Tpwe.Get([]string{pre, "escrow"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, []string{prefixer, seqner, saider}, got[0])
}
