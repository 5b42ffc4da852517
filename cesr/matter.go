// Package cesr implements the composable event streaming representation
// primitives used by the registry and forwarding layers: fully qualified
// Base64 primitives, counted attachment groups, SAD paths and the JSON
// serder envelope. Only the subset of the codex exercised by this module
// is implemented.
package cesr

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrUnknownCode    = errors.New("unrecognized derivation code")
	ErrShortMaterial  = errors.New("qualified material shorter than its code requires")
	ErrBadMaterial    = errors.New("qualified material is not well formed")
	ErrFramingInvalid = errors.New("attachment group length is a nonintegral number of quadlets")
)

// b64 is the URL-safe unpadded alphabet. All fully qualified material is
// composed of whole Base64 characters, pad is carried in the code instead.
var b64 = base64.URLEncoding.WithPadding(base64.NoPadding)

// Derivation codes for the primitives this module emits. Single character
// codes qualify 32 byte raw material (44 characters total).
const (
	CodeEd25519N  = "B" // nontransferable prefix, basic key
	CodeEd25519   = "D" // transferable prefix, basic key
	CodeBlake3    = "E"
	CodeSHA256    = "I"
	CodeSeqner    = "0A" // 24 characters total
	CodeSigEd     = "0B" // 88 characters total, nonindexed signature
	CodeDateTime  = "1AAG" // 36 characters total
	CodeBext      = "4A" // variable sized Base64 text
)

// Sniff returns the full qb64 length of the primitive starting at s. It is
// used to split concatenated primitive values back into their parts.
func Sniff(s string) (int, error) {
	if s == "" {
		return 0, ErrShortMaterial
	}
	switch {
	case s[0] >= 'A' && s[0] <= 'Z':
		return 44, nil
	case s[0] == '0':
		if len(s) < 2 {
			return 0, ErrShortMaterial
		}
		switch s[1] {
		case 'A':
			return 24, nil
		case 'B':
			return 88, nil
		}
		return 0, fmt.Errorf("%w: %q", ErrUnknownCode, s[:2])
	case s[0] == '1':
		if len(s) < 4 {
			return 0, ErrShortMaterial
		}
		return 36, nil
	case s[0] == '4' || s[0] == '5' || s[0] == '6':
		if len(s) < 4 {
			return 0, ErrShortMaterial
		}
		n, err := b64ToInt(s[2:4])
		if err != nil {
			return 0, err
		}
		return 4 + n*4, nil
	case s[0] == '-':
		return 4, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownCode, s[:1])
}

// intToB64 renders n as l Base64 characters, most significant first.
func intToB64(n int, l int) string {
	out := make([]byte, l)
	for i := l - 1; i >= 0; i-- {
		out[i] = b64Alphabet[n%64]
		n /= 64
	}
	return string(out)
}

func b64ToInt(s string) (int, error) {
	n := 0
	for i := range len(s) {
		v := strings.IndexByte(b64Alphabet, s[i])
		if v < 0 {
			return 0, fmt.Errorf("%w: %q is not base64", ErrBadMaterial, s[i])
		}
		n = n*64 + v
	}
	return n, nil
}

const b64Alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-_"

// qualify prepends ps zero bytes to raw, encodes, and replaces the pad
// characters with the derivation code.
func qualify(code string, raw []byte) string {
	// The sizes used here are all such that the leading zero bytes encode
	// to exactly len(code) 'A' characters, which the code then replaces.
	lead := make([]byte, (len(code)*3+3)/4)
	full := b64.EncodeToString(append(lead, raw...))
	return code + full[len(code):]
}

// dequalify strips the code from qb64 and returns the raw material.
func dequalify(code string, qb64s string) ([]byte, error) {
	if !strings.HasPrefix(qb64s, code) {
		return nil, fmt.Errorf("%w: expected code %q", ErrBadMaterial, code)
	}
	lead := (len(code)*3 + 3) / 4
	full, err := b64.DecodeString(strings.Repeat("A", len(code)) + qb64s[len(code):])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadMaterial, err)
	}
	return full[lead:], nil
}

// Prefixer is a fully qualified identifier prefix.
type Prefixer struct {
	qb64 string
}

func NewPrefixer(qb64s string) (Prefixer, error) {
	n, err := Sniff(qb64s)
	if err != nil {
		return Prefixer{}, err
	}
	if n != len(qb64s) {
		return Prefixer{}, fmt.Errorf("%w: prefix length %d, code requires %d", ErrBadMaterial, len(qb64s), n)
	}
	return Prefixer{qb64: qb64s}, nil
}

func (p Prefixer) Qb64() string { return p.qb64 }

// Transferable reports whether the prefix can rotate keys. Basic
// nontransferable prefixes carry the ephemeral key codes.
func (p Prefixer) Transferable() bool {
	return !strings.HasPrefix(p.qb64, CodeEd25519N) && !strings.HasPrefix(p.qb64, CodeSigEd)
}

// Saider is a fully qualified self addressing digest.
type Saider struct {
	qb64 string
}

func NewSaider(qb64s string) (Saider, error) {
	n, err := Sniff(qb64s)
	if err != nil {
		return Saider{}, err
	}
	if n != len(qb64s) {
		return Saider{}, fmt.Errorf("%w: said length %d, code requires %d", ErrBadMaterial, len(qb64s), n)
	}
	return Saider{qb64: qb64s}, nil
}

// SaidDigest computes the SHA2-256 self addressing digest of raw.
func SaidDigest(raw []byte) Saider {
	dig := sha256.Sum256(raw)
	return Saider{qb64: qualify(CodeSHA256, dig[:])}
}

func (s Saider) Qb64() string { return s.qb64 }

// Seqner is a sequence number primitive.
type Seqner struct {
	sn uint64
}

func NewSeqner(sn uint64) Seqner { return Seqner{sn: sn} }

func NewSeqnerQb64(qb64s string) (Seqner, error) {
	raw, err := dequalify(CodeSeqner, qb64s)
	if err != nil {
		return Seqner{}, err
	}
	if len(raw) != 16 {
		return Seqner{}, fmt.Errorf("%w: sequence number raw size %d", ErrBadMaterial, len(raw))
	}
	var sn uint64
	for _, b := range raw[8:] {
		sn = sn<<8 | uint64(b)
	}
	return Seqner{sn: sn}, nil
}

func (s Seqner) Sn() uint64 { return s.sn }

func (s Seqner) Qb64() string {
	raw := make([]byte, 16)
	sn := s.sn
	for i := 15; i >= 8; i-- {
		raw[i] = byte(sn)
		sn >>= 8
	}
	return qualify(CodeSeqner, raw)
}

// Huge is the 32 character zero padded lowercase hex rendering used in
// composite database keys. Writers must all use this form or lexicographic
// iteration silently stops matching numeric order.
func (s Seqner) Huge() string { return fmt.Sprintf("%032x", s.sn) }

// Siger is an indexed signature, opaque to this layer.
type Siger struct {
	qb64 string
}

func NewSiger(qb64s string) (Siger, error) {
	if len(qb64s) == 0 || len(qb64s)%4 != 0 {
		return Siger{}, fmt.Errorf("%w: indexed signature length %d", ErrBadMaterial, len(qb64s))
	}
	return Siger{qb64: qb64s}, nil
}

func (s Siger) Qb64() string { return s.qb64 }

// Verfer is a fully qualified verification key.
type Verfer struct {
	qb64 string
}

func NewVerfer(qb64s string) (Verfer, error) {
	n, err := Sniff(qb64s)
	if err != nil {
		return Verfer{}, err
	}
	if n != len(qb64s) {
		return Verfer{}, fmt.Errorf("%w: verfer length %d, code requires %d", ErrBadMaterial, len(qb64s), n)
	}
	return Verfer{qb64: qb64s}, nil
}

func (v Verfer) Qb64() string { return v.qb64 }

// Cigar is a nonindexed signature from a nontransferable signer. The
// signing key is carried alongside so stores do not need a second lookup.
type Cigar struct {
	qb64   string
	verfer Verfer
}

func NewCigar(qb64s string, verfer Verfer) (Cigar, error) {
	n, err := Sniff(qb64s)
	if err != nil {
		return Cigar{}, err
	}
	if n != len(qb64s) {
		return Cigar{}, fmt.Errorf("%w: cigar length %d, code requires %d", ErrBadMaterial, len(qb64s), n)
	}
	return Cigar{qb64: qb64s, verfer: verfer}, nil
}

func (c Cigar) Qb64() string   { return c.qb64 }
func (c Cigar) Verfer() Verfer { return c.verfer }

// DtsFormat is the ISO-8601 micro second profile used throughout.
const DtsFormat = "2006-01-02T15:04:05.000000-07:00"

// Dater is a fully qualified datetime.
type Dater struct {
	dts string
}

func NowDater() Dater {
	return Dater{dts: time.Now().UTC().Format(DtsFormat)}
}

func NewDater(dts string) (Dater, error) {
	if _, err := time.Parse(DtsFormat, dts); err != nil {
		return Dater{}, fmt.Errorf("%w: %v", ErrBadMaterial, err)
	}
	return Dater{dts: dts}, nil
}

func NewDaterQb64(qb64s string) (Dater, error) {
	if len(qb64s) != 36 || !strings.HasPrefix(qb64s, CodeDateTime) {
		return Dater{}, fmt.Errorf("%w: datetime length %d", ErrBadMaterial, len(qb64s))
	}
	r := strings.NewReplacer("c", ":", "d", ".", "p", "+")
	return NewDater(r.Replace(qb64s[4:]))
}

func (d Dater) Dts() string { return d.dts }

func (d Dater) Qb64() string {
	r := strings.NewReplacer(":", "c", ".", "d", "+", "p")
	return CodeDateTime + r.Replace(d.dts)
}
