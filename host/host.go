// Package host implements the execution environment programs run in: a
// content-addressed code registry, per-program storage regions, and the
// delegate-call primitive that executes foreign code against the invoking
// program's storage.
//
// The host processes one top-level call at a time per instance; all storage
// effects of a call are buffered and applied as a single all-or-nothing unit.
package host

import (
	"context"
	"sync"
	"time"

	"github.com/filecoin-project/go-statestore"
	"github.com/ipfs/go-cid"
	"github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/namespace"
	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/go-state-types/exitcode"

	"github.com/chainkit/delegator/host/registry"
	"github.com/chainkit/delegator/selector"
)

var log = logging.Logger("host")

var (
	registryPrefix = datastore.NewKey("/registry")
	programsPrefix = datastore.NewKey("/programs")
	statePrefix    = datastore.NewKey("/state")
)

// EntryPoint is a single invocable export of a unit of code. params carry the
// encoded arguments; the returned bytes are the encoded result.
type EntryPoint func(rt Runtime, params []byte) ([]byte, error)

// Invokee is a unit of native code: a set of entry points published under
// their names. The host derives each entry point's selector from its name at
// install time, so invokers and code always share one derivation rule.
type Invokee interface {
	Exports() map[string]EntryPoint
}

// ConstructorFunc initializes a freshly allocated program's storage region.
// If it fails, no program instance is created and nothing is persisted.
type ConstructorFunc func(rt Runtime) error

type exports map[selector.ID]EntryPoint

// Host wires the registry, the program index and the per-program storage
// regions together and dispatches calls into installed code.
type Host struct {
	lk sync.Mutex // serializes top-level calls

	ds       datastore.Batching
	registry *registry.Registry
	programs *statestore.StateStore

	deriver  selector.Deriver
	invokees map[cid.Cid]exports
}

type Option func(*Host)

// WithDeriver overrides the entry-point identifier derivation rule. It must
// match the rule the installed code was published with.
func WithDeriver(d selector.Deriver) Option {
	return func(h *Host) {
		h.deriver = d
	}
}

func New(ds datastore.Batching, opts ...Option) *Host {
	h := &Host{
		ds:       ds,
		registry: registry.New(namespace.Wrap(ds, registryPrefix)),
		programs: statestore.New(namespace.Wrap(ds, programsPrefix)),
		deriver:  selector.Blake2b{},
		invokees: make(map[cid.Cid]exports),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Host) Registry() *registry.Registry {
	return h.registry
}

// InstallCode registers a unit of code under the content reference of its
// published source and maps its entry points for dispatch.
func (h *Host) InstallCode(ctx context.Context, source []byte, code Invokee) (cid.Cid, error) {
	c, err := h.registry.Put(ctx, source)
	if err != nil {
		return cid.Undef, err
	}

	eps := make(exports)
	for name, ep := range code.Exports() {
		id := h.deriver.Derive(name)
		if _, dup := eps[id]; dup {
			return cid.Undef, xerrors.Errorf("selector collision on %s for entry point %q", id, name)
		}
		eps[id] = ep
	}

	h.lk.Lock()
	h.invokees[c] = eps
	h.lk.Unlock()

	log.Infow("installed code", "cid", c, "entrypoints", len(eps))
	return c, nil
}

// CreateProgram allocates a new program instance backed by the given code
// and runs ctor against its empty storage region. Construction is atomic:
// either the instance exists fully initialized, with any dependency locks it
// registered, or it does not exist at all.
func (h *Host) CreateProgram(ctx context.Context, code cid.Cid, ctor ConstructorFunc) (ProgramID, error) {
	h.lk.Lock()
	defer h.lk.Unlock()

	if _, ok := h.invokees[code]; !ok {
		return ProgramID{}, xerrors.Errorf("creating program: %w", registry.ErrCodeNotFound)
	}

	id := NewProgramID()
	rt := h.newRuntime(ctx, id)

	if err := runConstructor(rt, ctor); err != nil {
		return ProgramID{}, xerrors.Errorf("constructing program: %w", err)
	}

	// Locks land before any state write becomes visible.
	if err := rt.commit(); err != nil {
		return ProgramID{}, err
	}

	if err := h.programs.Begin(id, &ProgramInfo{
		Code:    code,
		Created: uint64(time.Now().Unix()),
	}); err != nil {
		return ProgramID{}, xerrors.Errorf("recording program %s: %w", id, err)
	}

	log.Infow("created program", "id", id, "code", code)
	return id, nil
}

// GetProgram returns the host's record for a program instance.
func (h *Host) GetProgram(id ProgramID) (ProgramInfo, error) {
	var info ProgramInfo
	if err := h.programs.Get(id).Get(&info); err != nil {
		return ProgramInfo{}, xerrors.Errorf("loading program %s: %w", id, err)
	}
	return info, nil
}

// Call sends a top-level message to a program: it dispatches the entry point
// derived from method on the program's own code and commits the call's
// storage effects if, and only if, the invocation succeeds.
func (h *Host) Call(ctx context.Context, id ProgramID, method string, params []byte) ([]byte, error) {
	h.lk.Lock()
	defer h.lk.Unlock()

	var info ProgramInfo
	if err := h.programs.Get(id).Get(&info); err != nil {
		return nil, xerrors.Errorf("loading program %s: %w", id, err)
	}

	ep, err := h.entryPoint(ctx, info.Code, h.deriver.Derive(method))
	if err != nil {
		return nil, xerrors.Errorf("dispatching %q on program %s: %w", method, id, err)
	}

	rt := h.newRuntime(ctx, id)

	ret, err := invoke(rt, ep, params)
	if err != nil {
		// The buffered writes die with the runtime; nothing was persisted.
		return nil, err
	}

	if err := rt.commit(); err != nil {
		return nil, err
	}
	return ret, nil
}

// entryPoint resolves a selector against the installed exports of code.
func (h *Host) entryPoint(ctx context.Context, code cid.Cid, sel selector.ID) (EntryPoint, error) {
	eps, ok := h.invokees[code]
	if !ok {
		has, err := h.registry.Has(ctx, code)
		if err != nil {
			return nil, err
		}
		if has {
			return nil, &ExecutionError{
				Code:    exitcode.SysErrorIllegalActor,
				Message: xerrors.Errorf("no installed implementation for code %s", code).Error(),
			}
		}
		return nil, xerrors.Errorf("resolving code %s: %w", code, registry.ErrCodeNotFound)
	}

	ep, ok := eps[sel]
	if !ok {
		return nil, &ExecutionError{
			Code:    exitcode.SysErrorIllegalArgument,
			Message: xerrors.Errorf("code %s exports no entry point %s", code, sel).Error(),
		}
	}
	return ep, nil
}

func (h *Host) regionStore(id ProgramID) datastore.Batching {
	return namespace.Wrap(h.ds, statePrefix.ChildString(id.String()))
}

func (h *Host) newRuntime(ctx context.Context, id ProgramID) *runtime {
	return &runtime{
		ctx:    ctx,
		h:      h,
		id:     id,
		region: h.regionStore(id),
		txn:    newTxn(),
	}
}

// runConstructor runs ctor with the same abort recovery entry points get.
func runConstructor(rt *runtime, ctor ConstructorFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if ee, ok := r.(*ExecutionError); ok {
				err = ee
				return
			}
			log.Errorw("constructor panicked", "program", rt.id, "panic", r)
			err = &ExecutionError{
				Code:    exitcode.SysErrIllegalInstruction,
				Message: xerrors.Errorf("panic: %v", r).Error(),
			}
		}
	}()

	return ctor(rt)
}
