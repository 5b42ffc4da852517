package cesr

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	ErrNoVersion = errors.New("no version string found in serialized event")
	ErrSizeMism  = errors.New("version string size does not cover the serialization")
)

// Version string profile: protocol, version, serialization kind and the
// hex encoded size of the enclosing serialization.
const (
	Proto       = "KERI"
	VersionFull = "KERI10JSON%06x_"
)

// SaidDummy fills the said field while the digest is computed over the
// serialization. Same width as a qualified SHA2-256 digest.
const SaidDummy = "############################################"

var versex = regexp.MustCompile(`KERI(?P<major>[0-9a-f])(?P<minor>[0-9a-f])(?P<kind>[A-Z]{4})(?P<size>[0-9a-f]{6})_`)

// Serder wraps a serialized self addressing JSON event together with its
// decoded key event dict. The raw bytes are the source of truth.
type Serder struct {
	raw  []byte
	ked  map[string]any
	said string
	size int
}

// NewSerderRaw parses the event at the head of raw. Any trailing bytes past
// the size in the version string are ignored, so a message stream may be
// passed directly.
func NewSerderRaw(raw []byte) (*Serder, error) {
	size, err := sniffSize(raw)
	if err != nil {
		return nil, err
	}
	if len(raw) < size {
		return nil, fmt.Errorf("%w: have %d bytes, version says %d", ErrSizeMism, len(raw), size)
	}
	body := raw[:size]
	var ked map[string]any
	if err := json.Unmarshal(body, &ked); err != nil {
		return nil, fmt.Errorf("unmarshaling event body: %w", err)
	}
	said, _ := ked["d"].(string)
	return &Serder{
		raw:  append([]byte(nil), body...),
		ked:  ked,
		said: said,
		size: size,
	}, nil
}

// NewSerderKed serializes ked canonically, recomputing the version string
// size field. The said is taken from the `d` field as is.
func NewSerderKed(ked map[string]any) (*Serder, error) {
	raw, err := sizeify(ked)
	if err != nil {
		return nil, err
	}
	return NewSerderRaw(raw)
}

func (s *Serder) Raw() []byte         { return append([]byte(nil), s.raw...) }
func (s *Serder) Ked() map[string]any { return s.ked }
func (s *Serder) Said() string        { return s.said }
func (s *Serder) Size() int           { return s.size }

// Ilk returns the message type field.
func (s *Serder) Ilk() string {
	t, _ := s.ked["t"].(string)
	return t
}

func sniffSize(raw []byte) (int, error) {
	head := raw
	if len(head) > 128 {
		head = head[:128]
	}
	m := versex.FindSubmatchIndex(head)
	if m == nil {
		return 0, ErrNoVersion
	}
	sizeStr := string(head[m[8]:m[9]])
	size, err := strconv.ParseInt(sizeStr, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrNoVersion, err)
	}
	return int(size), nil
}

// sizeify marshals ked with a rewritten version string whose size field
// matches the final serialization. The version field is emitted first so a
// bounded sniff of the head always finds it; the remaining fields are
// marshaled deterministically in sorted order.
func sizeify(ked map[string]any) ([]byte, error) {
	if _, ok := ked["v"]; !ok {
		return nil, ErrNoVersion
	}
	rest := make(map[string]any, len(ked))
	for k, v := range ked {
		if k != "v" {
			rest[k] = v
		}
	}
	restRaw, err := json.Marshal(rest)
	if err != nil {
		return nil, err
	}
	assemble := func(size int) []byte {
		out := []byte(fmt.Sprintf(`{"v":%q`, fmt.Sprintf(VersionFull, size)))
		if len(rest) > 0 {
			out = append(out, ',')
			out = append(out, restRaw[1:]...)
		} else {
			out = append(out, '}')
		}
		return out
	}
	// The version string is fixed width, so the size of the final
	// serialization equals the size of the probe serialization.
	return assemble(len(assemble(0))), nil
}

// saidify computes the self addressing digest of ked: serialize with the
// dummy in the `d` field, digest, then reserialize with the digest in place.
func saidify(ked map[string]any) (map[string]any, error) {
	ked["d"] = SaidDummy
	raw, err := sizeify(ked)
	if err != nil {
		return nil, err
	}
	ked["d"] = SaidDigest(raw).Qb64()
	return ked, nil
}

// Exchange constructs a peer to peer `exn` message on route with the given
// modifiers and embedded payload. The caller supplies the timestamp so
// message construction stays deterministic under test.
func Exchange(route string, modifiers map[string]any, payload map[string]any, dt Dater) (*Serder, error) {
	if !strings.HasPrefix(route, "/") {
		return nil, fmt.Errorf("exchange route %q must be rooted", route)
	}
	ked := map[string]any{
		"v":  fmt.Sprintf(VersionFull, 0),
		"t":  "exn",
		"d":  "",
		"dt": dt.Dts(),
		"r":  route,
		"q":  modifiers,
		"a":  payload,
	}
	ked, err := saidify(ked)
	if err != nil {
		return nil, err
	}
	return NewSerderKed(ked)
}

// CompareKeds reports whether two key event dicts serialize identically.
func CompareKeds(a, b map[string]any) bool {
	ar, err := json.Marshal(a)
	if err != nil {
		return false
	}
	br, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ar, br)
}
