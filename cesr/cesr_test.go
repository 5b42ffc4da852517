package cesr

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeqnerRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		sn   uint64
	}{
		{"zero", 0},
		{"one", 1},
		{"large", 0xdeadbeefcafe},
		{"max", ^uint64(0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewSeqner(tt.sn)
			q := s.Qb64()
			require.Len(t, q, 24)
			require.True(t, strings.HasPrefix(q, CodeSeqner))

			back, err := NewSeqnerQb64(q)
			require.NoError(t, err)
			assert.Equal(t, tt.sn, back.Sn())
		})
	}
}

func TestSeqnerHugeWidth(t *testing.T) {
	assert.Len(t, NewSeqner(0).Huge(), 32)
	assert.Len(t, NewSeqner(^uint64(0)).Huge(), 32)
	// lexicographic order must equal numeric order
	assert.Less(t, NewSeqner(2).Huge(), NewSeqner(16).Huge())
}

func TestSaidDigestShape(t *testing.T) {
	said := SaidDigest([]byte("arbitrary material"))
	require.Len(t, said.Qb64(), 44)
	assert.True(t, strings.HasPrefix(said.Qb64(), CodeSHA256))

	again := SaidDigest([]byte("arbitrary material"))
	assert.Equal(t, said.Qb64(), again.Qb64())
}

func TestPrefixerTransferable(t *testing.T) {
	nontrans := "B" + strings.Repeat("A", 43)
	trans := "D" + strings.Repeat("A", 43)

	p, err := NewPrefixer(nontrans)
	require.NoError(t, err)
	assert.False(t, p.Transferable())

	p, err = NewPrefixer(trans)
	require.NoError(t, err)
	assert.True(t, p.Transferable())

	_, err = NewPrefixer("D" + strings.Repeat("A", 10))
	require.Error(t, err)
}

func TestDaterRoundTrip(t *testing.T) {
	d, err := NewDater("2021-06-27T21:26:21.233257+00:00")
	require.NoError(t, err)

	q := d.Qb64()
	require.Len(t, q, 36)
	assert.True(t, strings.HasPrefix(q, CodeDateTime))
	assert.NotContains(t, q[4:], ":")

	back, err := NewDaterQb64(q)
	require.NoError(t, err)
	assert.Equal(t, d.Dts(), back.Dts())
}

func TestSniff(t *testing.T) {
	tests := []struct {
		name string
		qb64 string
		want int
	}{
		{"matter", "E" + strings.Repeat("A", 43), 44},
		{"seqner", NewSeqner(7).Qb64(), 24},
		{"cigar", "0B" + strings.Repeat("A", 86), 88},
		{"dater", NowDater().Qb64(), 36},
		{"counter", "-VAA", 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := Sniff(tt.qb64)
			require.NoError(t, err)
			assert.Equal(t, tt.want, n)
			assert.Equal(t, tt.want, len(tt.qb64))
		})
	}

	_, err := Sniff("")
	require.Error(t, err)
	_, err = Sniff("0Z")
	require.ErrorIs(t, err, ErrUnknownCode)
}

func TestCounterQb64(t *testing.T) {
	ctr, err := NewCounter(AttachedMaterialQuadlets, 3)
	require.NoError(t, err)
	assert.Equal(t, "-VAD", ctr.Qb64())

	ctr, err = NewCounter(WitnessIdxSigs, 2)
	require.NoError(t, err)
	assert.Equal(t, "-BAC", ctr.Qb64())

	back, n, err := ParseCounter("-BACXXXX")
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, WitnessIdxSigs, back.Code())
	assert.Equal(t, 2, back.Count())

	_, err = NewCounter(WitnessIdxSigs, maxShortCount+1)
	require.ErrorIs(t, err, ErrCounterOverflow)
}

func TestFrameQuadlets(t *testing.T) {
	framed, err := FrameQuadlets(PathedMaterialQuadlets, []byte("ABCDEFGH"))
	require.NoError(t, err)
	assert.Equal(t, "-LACABCDEFGH", string(framed))

	_, err = FrameQuadlets(PathedMaterialQuadlets, []byte("ABC"))
	require.ErrorIs(t, err, ErrFramingInvalid)

	_, err = FrameAttachments([]byte("ABCDE"))
	require.ErrorIs(t, err, ErrFramingInvalid)
}

func TestPatherForms(t *testing.T) {
	p, err := NewPather("a")
	require.NoError(t, err)
	assert.Equal(t, "-a", p.Text())

	q := p.Qb64()
	require.Equal(t, 0, len(q)%4)
	back, err := NewPatherQb64(q)
	require.NoError(t, err)
	assert.Equal(t, p.Text(), back.Text())

	p2, err := NewPatherText("-a-2-d")
	require.NoError(t, err)
	back, err = NewPatherQb64(p2.Qb64())
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "2", "d"}, back.Parts())

	_, err = NewPather()
	require.ErrorIs(t, err, ErrEmptyPath)
}

func TestPatherResolve(t *testing.T) {
	sad := map[string]any{
		"a": map[string]any{
			"b": []any{"x", map[string]any{"d": "leaf"}},
		},
	}

	p, err := NewPatherText("-a-b-1-d")
	require.NoError(t, err)
	v, err := p.Resolve(sad)
	require.NoError(t, err)
	assert.Equal(t, "leaf", v)

	p, err = NewPatherText("-a-missing")
	require.NoError(t, err)
	_, err = p.Resolve(sad)
	require.ErrorIs(t, err, ErrPathResolution)

	p, err = NewPatherText("-a-b-9")
	require.NoError(t, err)
	_, err = p.Resolve(sad)
	require.ErrorIs(t, err, ErrPathResolution)
}

func TestPatherRoot(t *testing.T) {
	inner, err := NewPatherText("-b-0")
	require.NoError(t, err)
	root, err := NewPather("a")
	require.NoError(t, err)

	assert.Equal(t, "-a-b-0", inner.Root(root).Text())
}

func TestSerderRoundTrip(t *testing.T) {
	ked := map[string]any{
		"v": "KERI10JSON000000_",
		"t": "vcp",
		"d": SaidDigest([]byte("seed")).Qb64(),
		"i": "E" + strings.Repeat("B", 43),
		"s": "0",
	}
	srdr, err := NewSerderKed(ked)
	require.NoError(t, err)
	require.Equal(t, len(srdr.Raw()), srdr.Size())

	// reparsing from raw with trailing attachment bytes splits correctly
	stream := append(srdr.Raw(), []byte("-VAA")...)
	back, err := NewSerderRaw(stream)
	require.NoError(t, err)
	assert.Equal(t, srdr.Said(), back.Said())
	assert.Equal(t, srdr.Raw(), back.Raw())
	assert.Equal(t, "vcp", back.Ilk())
}

func TestSerderNoVersion(t *testing.T) {
	_, err := NewSerderRaw([]byte(`{"t":"vcp"}`))
	require.ErrorIs(t, err, ErrNoVersion)
}

func TestExchange(t *testing.T) {
	dt, err := NewDater("2021-06-27T21:26:21.233257+00:00")
	require.NoError(t, err)

	payload := map[string]any{"d": "inner", "t": "iss"}
	srdr, err := Exchange("/fwd", map[string]any{"pre": "EABC", "topic": "replay"}, payload, dt)
	require.NoError(t, err)

	ked := srdr.Ked()
	assert.Equal(t, "exn", ked["t"])
	assert.Equal(t, "/fwd", ked["r"])
	q := ked["q"].(map[string]any)
	assert.Equal(t, "replay", q["topic"])
	assert.Len(t, srdr.Said(), 44)

	// said commits to the content
	srdr2, err := Exchange("/fwd", map[string]any{"pre": "EABC", "topic": "other"}, payload, dt)
	require.NoError(t, err)
	assert.NotEqual(t, srdr.Said(), srdr2.Said())

	_, err = Exchange("fwd", nil, nil, dt)
	require.Error(t, err)
}
