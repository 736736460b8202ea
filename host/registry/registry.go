// Package registry implements the host's code registry: a content-addressed
// store for units of executable code, plus the dependency-lock bookkeeping
// that keeps a unit of code alive while programs depend on it.
package registry

import (
	"context"
	"errors"

	"github.com/ipfs/go-cid"
	"github.com/ipfs/go-datastore"
	dsq "github.com/ipfs/go-datastore/query"
	logging "github.com/ipfs/go-log/v2"
	mh "github.com/multiformats/go-multihash"
	"golang.org/x/xerrors"
)

var log = logging.Logger("registry")

var (
	// ErrCodeNotFound is returned when a code reference does not resolve to
	// any registered code.
	ErrCodeNotFound = errors.New("code not found in registry")

	// ErrCodeLocked is returned by Remove while at least one program holds a
	// dependency lock on the code.
	ErrCodeLocked = errors.New("code is a locked dependency of a live program")
)

var (
	codePrefix = datastore.NewKey("/code")
	lockPrefix = datastore.NewKey("/locks")
)

// Registry stores code blobs keyed by their content CID and tracks
// dependency locks per code reference.
type Registry struct {
	ds datastore.Batching
}

func New(ds datastore.Batching) *Registry {
	return &Registry{ds: ds}
}

// CodeRef computes the content identifier for a unit of code. References are
// CIDv1, raw codec, blake2b-256; they identify code bytes, not any deployed
// instance of them.
func CodeRef(code []byte) (cid.Cid, error) {
	pref := cid.NewPrefixV1(cid.Raw, mh.BLAKE2B_MIN+31)

	c, err := pref.Sum(code)
	if err != nil {
		return cid.Undef, xerrors.Errorf("computing code cid: %w", err)
	}
	return c, nil
}

func codeKey(c cid.Cid) datastore.Key {
	return codePrefix.ChildString(c.String())
}

func lockKey(c cid.Cid, holder string) datastore.Key {
	return lockPrefix.ChildString(c.String()).ChildString(holder)
}

// Put registers a unit of code and returns its reference. Registering the
// same bytes twice is a no-op yielding the same reference.
func (r *Registry) Put(ctx context.Context, code []byte) (cid.Cid, error) {
	c, err := CodeRef(code)
	if err != nil {
		return cid.Undef, err
	}

	if err := r.ds.Put(ctx, codeKey(c), code); err != nil {
		return cid.Undef, xerrors.Errorf("storing code %s: %w", c, err)
	}

	log.Debugw("registered code", "cid", c, "size", len(code))
	return c, nil
}

func (r *Registry) Get(ctx context.Context, c cid.Cid) ([]byte, error) {
	code, err := r.ds.Get(ctx, codeKey(c))
	switch {
	case errors.Is(err, datastore.ErrNotFound):
		return nil, xerrors.Errorf("getting code %s: %w", c, ErrCodeNotFound)
	case err != nil:
		return nil, xerrors.Errorf("getting code %s: %w", c, err)
	}
	return code, nil
}

func (r *Registry) Has(ctx context.Context, c cid.Cid) (bool, error) {
	return r.ds.Has(ctx, codeKey(c))
}

// Remove deletes a unit of code from the registry. Removal is refused while
// any program holds a dependency lock on it.
func (r *Registry) Remove(ctx context.Context, c cid.Cid) error {
	locks, err := r.LockCount(ctx, c)
	if err != nil {
		return err
	}
	if locks > 0 {
		return xerrors.Errorf("removing code %s (%d dependents): %w", c, locks, ErrCodeLocked)
	}

	has, err := r.ds.Has(ctx, codeKey(c))
	if err != nil {
		return err
	}
	if !has {
		return xerrors.Errorf("removing code %s: %w", c, ErrCodeNotFound)
	}

	return r.ds.Delete(ctx, codeKey(c))
}

// LockDependency records that holder depends on the code identified by c,
// preventing its removal. Fails if the code is not registered.
//
// There is deliberately no unlock operation: the reference design never
// releases a delegate dependency. A release would have to be added
// symmetrically here if program removal is ever implemented.
func (r *Registry) LockDependency(ctx context.Context, holder string, c cid.Cid) error {
	has, err := r.ds.Has(ctx, codeKey(c))
	if err != nil {
		return xerrors.Errorf("checking code %s: %w", c, err)
	}
	if !has {
		return xerrors.Errorf("locking dependency on %s: %w", c, ErrCodeNotFound)
	}

	if err := r.ds.Put(ctx, lockKey(c, holder), []byte{}); err != nil {
		return xerrors.Errorf("recording dependency lock on %s: %w", c, err)
	}

	log.Debugw("locked delegate dependency", "code", c, "holder", holder)
	return nil
}

// LockCount reports how many programs hold a dependency lock on c.
func (r *Registry) LockCount(ctx context.Context, c cid.Cid) (int, error) {
	res, err := r.ds.Query(ctx, dsq.Query{
		Prefix:   lockPrefix.ChildString(c.String()).String(),
		KeysOnly: true,
	})
	if err != nil {
		return 0, xerrors.Errorf("querying locks for %s: %w", c, err)
	}
	defer res.Close() //nolint:errcheck

	var count int
	for {
		e, ok := res.NextSync()
		if !ok {
			break
		}
		if e.Error != nil {
			return 0, e.Error
		}
		count++
	}
	return count, nil
}
