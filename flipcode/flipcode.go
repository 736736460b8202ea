// Package flipcode is the foreign code the delegator delegates to. Its flip
// entry point toggles the boolean at the delegator's value slot; under a
// delegate call that slot belongs to whichever program issued the call.
package flipcode

import (
	logging "github.com/ipfs/go-log/v2"
	cbg "github.com/whyrusleeping/cbor-gen"

	"github.com/filecoin-project/go-state-types/exitcode"

	"github.com/chainkit/delegator/delegator"
	"github.com/chainkit/delegator/host"
)

var log = logging.Logger("flipcode")

// Source is the published form of the flip code.
var Source = []byte("chainkit/flipcode@v1\nexports: flip, fail\n")

type Actor struct{}

var _ host.Invokee = Actor{}

func (a Actor) Exports() map[string]host.EntryPoint {
	return map[string]host.EntryPoint{
		"flip": a.Flip,
		"fail": a.Fail,
	}
}

// Flip toggles the boolean at the value slot of the invoking program's
// storage region. It takes no parameters and returns nothing.
func (a Actor) Flip(rt host.Runtime, _ []byte) ([]byte, error) {
	b, err := rt.StoreGet(delegator.SlotValue)
	if err != nil {
		rt.Abortf(exitcode.ErrIllegalState, "value slot unset: %s", err)
	}

	v, err := delegator.DecodeBool(b)
	if err != nil {
		rt.Abortf(exitcode.ErrSerialization, "decoding value slot: %s", err)
	}

	log.Debugw("flipping value", "program", rt.ID(), "from", v)
	return nil, rt.StorePut(delegator.SlotValue, encodeBool(!v))
}

// Fail always aborts. It exists to exercise callers that are expected to
// swallow delegate failures.
func (a Actor) Fail(rt host.Runtime, _ []byte) ([]byte, error) {
	rt.Abortf(exitcode.ErrIllegalState, "this entry point always fails")
	return nil, nil
}

func encodeBool(v bool) []byte {
	if v {
		return append([]byte(nil), cbg.CborBoolTrue...)
	}
	return append([]byte(nil), cbg.CborBoolFalse...)
}
