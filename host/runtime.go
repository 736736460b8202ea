package host

import (
	"context"
	"errors"
	"fmt"

	"github.com/ipfs/go-cid"
	"github.com/ipfs/go-datastore"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/go-state-types/exitcode"

	"github.com/chainkit/delegator/host/registry"
	"github.com/chainkit/delegator/selector"
)

// Runtime is the execution environment handed to an entry point. All storage
// operations address the *invoking program's* storage region; when code runs
// via InvokeDelegate, that is still the original caller's region, never one
// belonging to the code's origin.
type Runtime interface {
	Context() context.Context

	// ID is the program instance whose storage this runtime addresses.
	ID() ProgramID

	// StoreGet returns the value at slot, or ErrSlotEmpty if nothing was
	// ever written there.
	StoreGet(slot string) ([]byte, error)
	StorePut(slot string, value []byte) error
	StoreHas(slot string) (bool, error)

	// SelectorFor derives the entry-point identifier for name using the
	// derivation rule the host's code was published with.
	SelectorFor(name string) selector.ID

	// LockDelegateDependency registers an irrevocable dependency on the code
	// identified by c. Fails if the code is not in the registry. The lock is
	// made durable together with the rest of this invocation's effects.
	LockDelegateDependency(c cid.Cid) error

	// InvokeDelegate executes the entry point sel of the code identified by
	// c against this runtime's storage region. The callee's writes are
	// unwound if it fails; whether the invocation error is surfaced further
	// is entirely the caller's choice.
	InvokeDelegate(c cid.Cid, sel selector.ID, params []byte, flags CallFlags) ([]byte, error)

	// Abortf terminates the current invocation with the given exit code.
	Abortf(code exitcode.ExitCode, format string, args ...interface{})
}

// CallFlags tune how a delegate invocation is issued.
type CallFlags uint32

const (
	// FlagTailCall marks an invocation after which the caller does no
	// further storage work, letting the host skip re-staging the caller's
	// write buffer when the callee returns.
	FlagTailCall CallFlags = 1 << iota
)

func (f CallFlags) TailCall() bool {
	return f&FlagTailCall != 0
}

// txn is the write set of one top-level call. Slot writes stay buffered here
// until the call completes and are applied to the datastore all-or-nothing.
type txn struct {
	pending map[string][]byte
	locks   []cid.Cid
}

func newTxn() *txn {
	return &txn{pending: make(map[string][]byte)}
}

func (t *txn) clone() *txn {
	cp := &txn{
		pending: make(map[string][]byte, len(t.pending)),
		locks:   append([]cid.Cid(nil), t.locks...),
	}
	for k, v := range t.pending {
		cp.pending[k] = v
	}
	return cp
}

type runtime struct {
	ctx    context.Context
	h      *Host
	id     ProgramID
	region datastore.Datastore // committed state of this program's region
	txn    *txn
}

var _ Runtime = (*runtime)(nil)

func (rt *runtime) Context() context.Context {
	return rt.ctx
}

func (rt *runtime) ID() ProgramID {
	return rt.id
}

func (rt *runtime) StoreGet(slot string) ([]byte, error) {
	if v, ok := rt.txn.pending[slot]; ok {
		return append([]byte(nil), v...), nil
	}

	v, err := rt.region.Get(rt.ctx, datastore.NewKey(slot))
	switch {
	case errors.Is(err, datastore.ErrNotFound):
		return nil, xerrors.Errorf("slot %s: %w", slot, ErrSlotEmpty)
	case err != nil:
		return nil, xerrors.Errorf("reading slot %s: %w", slot, err)
	}
	return v, nil
}

func (rt *runtime) StorePut(slot string, value []byte) error {
	rt.txn.pending[slot] = append([]byte(nil), value...)
	return nil
}

func (rt *runtime) StoreHas(slot string) (bool, error) {
	if _, ok := rt.txn.pending[slot]; ok {
		return true, nil
	}
	return rt.region.Has(rt.ctx, datastore.NewKey(slot))
}

func (rt *runtime) SelectorFor(name string) selector.ID {
	return rt.h.deriver.Derive(name)
}

func (rt *runtime) LockDelegateDependency(c cid.Cid) error {
	// Validate eagerly so a missing dependency fails the invocation now, but
	// record durably only when the whole call commits.
	has, err := rt.h.registry.Has(rt.ctx, c)
	if err != nil {
		return xerrors.Errorf("checking code %s: %w", c, err)
	}
	if !has {
		return xerrors.Errorf("locking dependency on %s: %w", c, registry.ErrCodeNotFound)
	}

	rt.txn.locks = append(rt.txn.locks, c)
	return nil
}

func (rt *runtime) InvokeDelegate(c cid.Cid, sel selector.ID, params []byte, flags CallFlags) ([]byte, error) {
	ep, err := rt.h.entryPoint(rt.ctx, c, sel)
	if err != nil {
		return nil, err
	}

	if flags.TailCall() {
		// Tail call: the callee writes straight into the caller's buffer.
		// Only a failure snapshot is kept; there is nothing to re-stage when
		// the callee returns because the caller does no further work.
		snap := rt.txn.clone()
		ret, err := invoke(rt, ep, params)
		if err != nil {
			rt.txn = snap
			return nil, err
		}
		return ret, nil
	}

	// Regular delegate call: the callee runs against a staged copy of the
	// caller's buffer, which replaces the original only if the callee
	// succeeds. Either way the callee addressed the caller's storage.
	staged := &runtime{
		ctx:    rt.ctx,
		h:      rt.h,
		id:     rt.id,
		region: rt.region,
		txn:    rt.txn.clone(),
	}

	ret, err := invoke(staged, ep, params)
	if err != nil {
		return nil, err
	}

	rt.txn = staged.txn
	return ret, nil
}

func (rt *runtime) Abortf(code exitcode.ExitCode, format string, args ...interface{}) {
	panic(&ExecutionError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	})
}

// commit makes the call's effects durable: dependency locks first, then the
// buffered slot writes in a single batch.
func (rt *runtime) commit() error {
	for _, c := range rt.txn.locks {
		if err := rt.h.registry.LockDependency(rt.ctx, rt.id.String(), c); err != nil {
			return xerrors.Errorf("committing dependency lock: %w", err)
		}
	}

	if len(rt.txn.pending) == 0 {
		return nil
	}

	batch, err := rt.h.regionStore(rt.id).Batch(rt.ctx)
	if err != nil {
		return xerrors.Errorf("creating batch: %w", err)
	}
	for slot, value := range rt.txn.pending {
		if err := batch.Put(rt.ctx, datastore.NewKey(slot), value); err != nil {
			return xerrors.Errorf("staging slot %s: %w", slot, err)
		}
	}
	if err := batch.Commit(rt.ctx); err != nil {
		return xerrors.Errorf("committing storage writes: %w", err)
	}
	return nil
}

// invoke runs a single entry point, converting aborts raised through
// Runtime.Abortf into errors at this boundary.
func invoke(rt *runtime, ep EntryPoint, params []byte) (ret []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			if ee, ok := r.(*ExecutionError); ok {
				err = ee
				return
			}
			log.Errorw("entry point panicked", "program", rt.id, "panic", r)
			err = &ExecutionError{
				Code:    exitcode.SysErrIllegalInstruction,
				Message: fmt.Sprintf("panic: %v", r),
			}
		}
	}()

	return ep(rt, params)
}
