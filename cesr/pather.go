package cesr

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrEmptyPath      = errors.New("a sad path requires at least one part")
	ErrBadPathPart    = errors.New("sad path parts may not contain the part separator")
	ErrPathResolution = errors.New("sad path does not resolve against the document")
)

// Pather is a path into a self addressing document, rendered as a fully
// qualified Base64 text primitive.
type Pather struct {
	parts []string
}

func NewPather(parts ...string) (Pather, error) {
	if len(parts) == 0 {
		return Pather{}, ErrEmptyPath
	}
	for _, p := range parts {
		if strings.Contains(p, "-") {
			return Pather{}, fmt.Errorf("%w: %q", ErrBadPathPart, p)
		}
	}
	return Pather{parts: append([]string(nil), parts...)}, nil
}

// NewPatherText parses the dash separated text form, eg "-a-0".
func NewPatherText(text string) (Pather, error) {
	if !strings.HasPrefix(text, "-") {
		return Pather{}, fmt.Errorf("%w: %q", ErrBadPathPart, text)
	}
	return NewPather(strings.Split(text[1:], "-")...)
}

// NewPatherQb64 decodes the qualified form produced by Qb64.
func NewPatherQb64(qb64s string) (Pather, error) {
	if len(qb64s) < 4 || len(qb64s)%4 != 0 || !strings.HasPrefix(qb64s, CodeBext) {
		return Pather{}, fmt.Errorf("%w: path material %q", ErrBadMaterial, qb64s)
	}
	n, err := b64ToInt(qb64s[2:4])
	if err != nil {
		return Pather{}, err
	}
	body := qb64s[4:]
	if len(body) != n*4 {
		return Pather{}, fmt.Errorf("%w: path quadlet count %d, body %d", ErrBadMaterial, n, len(body))
	}
	// Path text always begins with '-', the prepad is whole 'A' characters.
	return NewPatherText(strings.TrimLeft(body, "A"))
}

func (p Pather) Parts() []string { return append([]string(nil), p.parts...) }

// Text renders the path in its dash separated form.
func (p Pather) Text() string { return "-" + strings.Join(p.parts, "-") }

// Qb64 renders the path as a variable sized Base64 text primitive. The text
// is prepadded with 'A' characters to a whole number of quadlets.
func (p Pather) Qb64() string {
	text := p.Text()
	ps := (4 - len(text)%4) % 4
	padded := strings.Repeat("A", ps) + text
	return CodeBext + intToB64(len(padded)/4, 2) + padded
}

// Root transposes the path under root, as when the document it addresses is
// embedded as a sub document of another.
func (p Pather) Root(root Pather) Pather {
	parts := append(append([]string(nil), root.parts...), p.parts...)
	return Pather{parts: parts}
}

// Resolve walks the path against a decoded self addressing document.
// Numeric parts index into lists.
func (p Pather) Resolve(sad map[string]any) (any, error) {
	var cur any = sad
	for _, part := range p.parts {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[part]
			if !ok {
				return nil, fmt.Errorf("%w: no field %q", ErrPathResolution, part)
			}
			cur = v
		case []any:
			i, err := strconv.Atoi(part)
			if err != nil || i < 0 || i >= len(node) {
				return nil, fmt.Errorf("%w: bad list index %q", ErrPathResolution, part)
			}
			cur = node[i]
		default:
			return nil, fmt.Errorf("%w: %q addresses a leaf", ErrPathResolution, part)
		}
	}
	return cur, nil
}
