package delegator_test

import (
	"context"
	"testing"

	"github.com/ipfs/go-cid"
	ds "github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filecoin-project/go-state-types/exitcode"

	"github.com/chainkit/delegator/delegator"
	"github.com/chainkit/delegator/flipcode"
	"github.com/chainkit/delegator/host"
	"github.com/chainkit/delegator/host/registry"
)

type harness struct {
	h             *host.Host
	delegatorCode cid.Cid
	flipCode      cid.Cid
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()

	h := host.New(dssync.MutexWrap(ds.NewMapDatastore()))

	flipCode, err := h.InstallCode(ctx, flipcode.Source, flipcode.Actor{})
	require.NoError(t, err)

	delegatorCode, err := h.InstallCode(ctx, delegator.Source, delegator.Actor{})
	require.NoError(t, err)

	return &harness{h: h, delegatorCode: delegatorCode, flipCode: flipCode}
}

func (hr *harness) deploy(t *testing.T, initValue bool, target cid.Cid) host.ProgramID {
	t.Helper()
	id, err := hr.h.CreateProgram(context.Background(), hr.delegatorCode,
		delegator.Constructor(initValue, target))
	require.NoError(t, err)
	return id
}

func (hr *harness) get(t *testing.T, id host.ProgramID) bool {
	t.Helper()
	ret, err := hr.h.Call(context.Background(), id, delegator.MethodGet, nil)
	require.NoError(t, err)

	v, err := delegator.DecodeBool(ret)
	require.NoError(t, err)
	return v
}

func (hr *harness) flip(t *testing.T, id host.ProgramID) {
	t.Helper()
	_, err := hr.h.Call(context.Background(), id, delegator.MethodCallDelegateFlip, nil)
	require.NoError(t, err, "call_delegate_flip must always complete")
}

func TestConstruction(t *testing.T) {
	hr := newHarness(t)

	for _, initValue := range []bool{false, true} {
		id := hr.deploy(t, initValue, hr.flipCode)
		assert.Equal(t, initValue, hr.get(t, id))
	}
}

func TestConstructionWithMissingCode(t *testing.T) {
	ctx := context.Background()
	hr := newHarness(t)

	missing, err := registry.CodeRef([]byte("no such code"))
	require.NoError(t, err)

	_, err = hr.h.CreateProgram(ctx, hr.delegatorCode, delegator.Constructor(false, missing))
	require.ErrorIs(t, err, registry.ErrCodeNotFound, "construction must fail as a whole")
}

func TestDependencyLockedOnConstruction(t *testing.T) {
	ctx := context.Background()
	hr := newHarness(t)

	hr.deploy(t, false, hr.flipCode)

	count, err := hr.h.Registry().LockCount(ctx, hr.flipCode)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	// the locked dependency cannot be purged while the program exists
	require.ErrorIs(t, hr.h.Registry().Remove(ctx, hr.flipCode), registry.ErrCodeLocked)

	hr.deploy(t, true, hr.flipCode)

	count, err = hr.h.Registry().LockCount(ctx, hr.flipCode)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestFlipScenario(t *testing.T) {
	hr := newHarness(t)

	id := hr.deploy(t, false, hr.flipCode)
	assert.False(t, hr.get(t, id))

	hr.flip(t, id)
	assert.True(t, hr.get(t, id))

	hr.flip(t, id)
	assert.False(t, hr.get(t, id))

	// even numbers of flips are identity
	for i := 0; i < 4; i++ {
		hr.flip(t, id)
	}
	assert.False(t, hr.get(t, id))
}

// failingFlip exports a flip entry point that always aborts.
type failingFlip struct{}

func (failingFlip) Exports() map[string]host.EntryPoint {
	return map[string]host.EntryPoint{
		"flip": func(rt host.Runtime, _ []byte) ([]byte, error) {
			rt.Abortf(exitcode.ErrIllegalState, "refusing to flip")
			return nil, nil
		},
	}
}

// noFlip exports nothing, so the flip selector cannot match.
type noFlip struct{}

func (noFlip) Exports() map[string]host.EntryPoint {
	return map[string]host.EntryPoint{}
}

// The delegate invocation's outcome is deliberately not propagated: whether
// the foreign flip aborted or did not exist, the message completes and the
// value stays put.
func TestFlipFailureSwallowed(t *testing.T) {
	ctx := context.Background()
	hr := newHarness(t)

	failing, err := hr.h.InstallCode(ctx, []byte("test/failing-flip"), failingFlip{})
	require.NoError(t, err)

	missing, err := hr.h.InstallCode(ctx, []byte("test/no-flip"), noFlip{})
	require.NoError(t, err)

	for name, target := range map[string]cid.Cid{
		"aborting flip":      failing,
		"missing entrypoint": missing,
	} {
		id := hr.deploy(t, true, target)

		hr.flip(t, id)

		assert.True(t, hr.get(t, id), "%s: value must be unchanged", name)
	}
}

func TestGetIsPure(t *testing.T) {
	hr := newHarness(t)

	id := hr.deploy(t, true, hr.flipCode)
	assert.True(t, hr.get(t, id))
	assert.True(t, hr.get(t, id))
}

func TestDecodeBool(t *testing.T) {
	_, err := delegator.DecodeBool([]byte{0x01})
	require.Error(t, err)

	_, err = delegator.DecodeBool(nil)
	require.Error(t, err)

	v, err := delegator.DecodeBool([]byte{0xf5})
	require.NoError(t, err)
	assert.True(t, v)

	v, err = delegator.DecodeBool([]byte{0xf4})
	require.NoError(t, err)
	assert.False(t, v)
}
