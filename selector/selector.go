// Package selector derives the fixed-width identifiers used to address
// entry points of registered code. An entry point is published under the
// identifier derived from its name; invokers must use the same derivation
// rule or the dispatch will not match.
package selector

import (
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/xerrors"
)

// Size is the width of an entry-point identifier in bytes.
const Size = 4

// ID identifies a single entry point of a unit of code.
type ID [Size]byte

func (id ID) String() string {
	return "0x" + hex.EncodeToString(id[:])
}

func (id ID) Bytes() []byte {
	out := make([]byte, Size)
	copy(out, id[:])
	return out
}

// FromBytes reads an ID off the wire.
func FromBytes(b []byte) (ID, error) {
	var id ID
	if len(b) != Size {
		return id, xerrors.Errorf("selector must be exactly %d bytes, got %d", Size, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// Deriver turns an entry-point name into its identifier. Implementations
// must be pure: the same name always yields the same ID.
type Deriver interface {
	Derive(name string) ID
	Scheme() string
}

// Blake2b derives identifiers by truncating the blake2b-256 digest of the
// entry-point name to the first Size bytes. This is the rule the reference
// code in this repository is published with.
type Blake2b struct{}

const Blake2bScheme = "blake2b-256/4"

func (Blake2b) Derive(name string) ID {
	sum := blake2b.Sum256([]byte(name))

	var id ID
	copy(id[:], sum[:Size])
	return id
}

func (Blake2b) Scheme() string {
	return Blake2bScheme
}

var _ Deriver = Blake2b{}
