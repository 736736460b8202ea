package host

import (
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/ipfs/go-cid"
	cbg "github.com/whyrusleeping/cbor-gen"
	"golang.org/x/xerrors"
)

// ProgramID identifies a deployed program instance. Many instances may share
// the same code reference; the ID is per instance.
type ProgramID uuid.UUID

func NewProgramID() ProgramID {
	return ProgramID(uuid.New())
}

func ParseProgramID(s string) (ProgramID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return ProgramID{}, xerrors.Errorf("parsing program id: %w", err)
	}
	return ProgramID(u), nil
}

func (id ProgramID) String() string {
	return uuid.UUID(id).String()
}

// ProgramInfo is the host's record of a deployed program instance.
type ProgramInfo struct {
	Code    cid.Cid // reference of the code implementing this program
	Created uint64  // unix seconds
}

func (pi *ProgramInfo) MarshalCBOR(w io.Writer) error {
	if pi == nil {
		_, err := w.Write(cbg.CborNull)
		return err
	}

	cw := cbg.NewCborWriter(w)

	if err := cw.WriteMajorTypeHeader(cbg.MajArray, 2); err != nil {
		return err
	}

	if err := cbg.WriteCid(cw, pi.Code); err != nil {
		return xerrors.Errorf("writing code cid: %w", err)
	}

	if err := cw.WriteMajorTypeHeader(cbg.MajUnsignedInt, pi.Created); err != nil {
		return err
	}

	return nil
}

func (pi *ProgramInfo) UnmarshalCBOR(r io.Reader) (err error) {
	*pi = ProgramInfo{}

	cr := cbg.NewCborReader(r)

	maj, extra, err := cr.ReadHeader()
	if err != nil {
		return err
	}
	defer func() {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
	}()

	if maj != cbg.MajArray {
		return fmt.Errorf("cbor input should be of type array")
	}
	if extra != 2 {
		return fmt.Errorf("cbor input had wrong number of fields")
	}

	c, err := cbg.ReadCid(cr)
	if err != nil {
		return xerrors.Errorf("reading code cid: %w", err)
	}
	pi.Code = c

	maj, extra, err = cr.ReadHeader()
	if err != nil {
		return err
	}
	if maj != cbg.MajUnsignedInt {
		return fmt.Errorf("wrong type for uint64 field: %d", maj)
	}
	pi.Created = extra

	return nil
}
