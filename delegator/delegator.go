// Package delegator implements a program that holds a boolean and delegates
// the logic that mutates it to foreign code: calls to its flip entry point
// execute the code identified by the delegate target, with every storage
// effect landing in the delegator's own region.
package delegator

import (
	"bytes"

	"github.com/ipfs/go-cid"
	logging "github.com/ipfs/go-log/v2"
	cbg "github.com/whyrusleeping/cbor-gen"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/go-state-types/exitcode"

	"github.com/chainkit/delegator/host"
)

var log = logging.Logger("delegator")

// Storage layout. SlotValue is the well-known slot foreign flip code is
// published against. The delegate target lives under its own manually
// assigned key so fields added later cannot collide with it.
const (
	SlotValue          = "/v"
	slotDelegateTarget = "/delegate-to"
)

// Entry-point names as published.
const (
	MethodGet              = "get"
	MethodCallDelegateFlip = "call_delegate_flip"

	// flipEntryPoint is the entry point selected on the *foreign* code.
	flipEntryPoint = "flip"
)

// Source is the published form of the delegator code; the host addresses it
// by the content reference of these bytes.
var Source = []byte("chainkit/delegator@v1\nexports: get, call_delegate_flip\n")

// Constructor returns the construction logic for a new delegator instance.
// Effects, in order: record the delegate target, lock the dependency on it,
// then store the initial value. A missing delegate target fails construction
// as a whole; the host discards every effect of a failed constructor.
func Constructor(initValue bool, codeHash cid.Cid) host.ConstructorFunc {
	return func(rt host.Runtime) error {
		if err := putDelegateTarget(rt, codeHash); err != nil {
			return err
		}

		if err := rt.LockDelegateDependency(codeHash); err != nil {
			return xerrors.Errorf("locking delegate dependency: %w", err)
		}

		return putValue(rt, initValue)
	}
}

// Actor is the delegator's installed code.
type Actor struct{}

var _ host.Invokee = Actor{}

func (a Actor) Exports() map[string]host.EntryPoint {
	return map[string]host.EntryPoint{
		MethodGet:              a.Get,
		MethodCallDelegateFlip: a.CallDelegateFlip,
	}
}

// CallDelegateFlip executes the delegate target's flip entry point against
// this program's storage, as a tail call: nothing runs here after the
// foreign code returns.
//
// The outcome is deliberately discarded. Whether the foreign code flipped
// the value, reverted, or was missing entirely, this message completes
// successfully and callers get no signal either way. Propagating the error
// would change the program's observable contract; see TestFlipFailureSwallowed.
func (a Actor) CallDelegateFlip(rt host.Runtime, _ []byte) ([]byte, error) {
	target := delegateTarget(rt)

	if _, err := rt.InvokeDelegate(target, rt.SelectorFor(flipEntryPoint), nil, host.FlagTailCall); err != nil {
		log.Debugw("delegate flip failed", "program", rt.ID(), "code", target, "err", err)
	}

	return nil, nil
}

// Get returns the current value. Pure: no slots are written.
func (a Actor) Get(rt host.Runtime, _ []byte) ([]byte, error) {
	return encodeBool(value(rt)), nil
}

// delegateTarget reads the delegate target lazily from storage. The slot is
// written exactly once, during construction, so an empty slot means the
// construction invariant was bypassed; that aborts rather than erroring.
func delegateTarget(rt host.Runtime) cid.Cid {
	b, err := rt.StoreGet(slotDelegateTarget)
	if err != nil {
		rt.Abortf(exitcode.ErrIllegalState, "delegate target unset: %s", err)
	}

	c, err := cbg.ReadCid(bytes.NewReader(b))
	if err != nil {
		rt.Abortf(exitcode.ErrSerialization, "decoding delegate target: %s", err)
	}
	return c
}

func putDelegateTarget(rt host.Runtime, c cid.Cid) error {
	var buf bytes.Buffer
	if err := cbg.WriteCid(&buf, c); err != nil {
		return xerrors.Errorf("encoding delegate target: %w", err)
	}
	return rt.StorePut(slotDelegateTarget, buf.Bytes())
}

func value(rt host.Runtime) bool {
	b, err := rt.StoreGet(SlotValue)
	if err != nil {
		rt.Abortf(exitcode.ErrIllegalState, "value unset: %s", err)
	}

	v, err := DecodeBool(b)
	if err != nil {
		rt.Abortf(exitcode.ErrSerialization, "decoding value: %s", err)
	}
	return v
}

func putValue(rt host.Runtime, v bool) error {
	return rt.StorePut(SlotValue, encodeBool(v))
}

func encodeBool(v bool) []byte {
	if v {
		return append([]byte(nil), cbg.CborBoolTrue...)
	}
	return append([]byte(nil), cbg.CborBoolFalse...)
}

// DecodeBool decodes the CBOR boolean encoding used by the value slot and by
// Get's return value.
func DecodeBool(b []byte) (bool, error) {
	maj, extra, err := cbg.CborReadHeader(bytes.NewReader(b))
	if err != nil {
		return false, xerrors.Errorf("reading cbor header: %w", err)
	}
	if maj != cbg.MajOther {
		return false, xerrors.Errorf("not a cbor boolean (major type %d)", maj)
	}

	switch extra {
	case 20:
		return false, nil
	case 21:
		return true, nil
	default:
		return false, xerrors.Errorf("not a cbor boolean (value %d)", extra)
	}
}
