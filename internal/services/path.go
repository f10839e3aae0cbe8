package services

import (
	"context"
	"errors"
	"sort"
	"sync"

	"gorm.io/gorm"

	"github.com/tbourn/go-chat-sync/internal/domain"
	"github.com/tbourn/go-chat-sync/internal/repo"
)

// versionIndex maps version numbers to their records for one thread.
type versionIndex map[int]domain.DialogVersion

func loadVersionIndex(ctx context.Context, db *gorm.DB, threadID string) (versionIndex, error) {
	vs, err := repo.ListVersions(ctx, db, threadID)
	if err != nil {
		return nil, err
	}
	ix := make(versionIndex, len(vs))
	for _, v := range vs {
		ix[v.Version] = v
	}
	return ix, nil
}

// segment is the half-open position range [from, to) that a version
// contributes to some descendant's path.
type segment struct {
	version int
	from    int
	to      int
}

const openEnd = int(^uint(0) >> 1)

// segments walks from v up to the root and returns, for every version on
// the way, the positions it contributes to v's path.
func (ix versionIndex) segments(v int) ([]segment, error) {
	var out []segment
	limit := openEnd
	for cur, steps := v, 0; cur != 0; steps++ {
		if steps > len(ix) {
			return nil, ErrVersionMisaligned
		}
		dv, ok := ix[cur]
		if !ok {
			return nil, ErrVersionNotFound
		}
		if dv.BranchPosition < limit {
			out = append(out, segment{version: cur, from: dv.BranchPosition, to: limit})
			limit = dv.BranchPosition
		}
		cur = dv.ParentVersion
	}
	return out, nil
}

// cutFrom returns the versions whose messages at positions >= from must go
// when v's path is truncated there: the versions v's path draws on at or
// after from, and every version whose own path draws on one of those.
func (ix versionIndex) cutFrom(v, from int) (map[int]bool, error) {
	segs, err := ix.segments(v)
	if err != nil {
		return nil, err
	}
	cut := map[int]bool{}
	for _, s := range segs {
		if s.to > from {
			cut[s.version] = true
		}
	}
	for changed := true; changed; {
		changed = false
		for w := range ix {
			if cut[w] {
				continue
			}
			ws, err := ix.segments(w)
			if err != nil {
				return nil, err
			}
			for _, s := range ws {
				if cut[s.version] && s.to > from {
					cut[w] = true
					changed = true
					break
				}
			}
		}
	}
	return cut, nil
}

// resolvePath returns the ordered messages making up version v of a thread.
// The path must cover positions 0..n-1 without gaps.
func resolvePath(ctx context.Context, db *gorm.DB, threadID string, ix versionIndex, v int) ([]domain.Message, error) {
	segs, err := ix.segments(v)
	if err != nil {
		return nil, err
	}
	versions := make([]int, 0, len(segs))
	for _, s := range segs {
		versions = append(versions, s.version)
	}
	rows, err := repo.ListMessagesByVersions(db.WithContext(ctx), threadID, versions)
	if err != nil {
		return nil, err
	}

	path := make([]domain.Message, 0, len(rows))
	for _, m := range rows {
		for _, s := range segs {
			if m.DialogVersion == s.version && m.Position >= s.from && m.Position < s.to {
				path = append(path, m)
				break
			}
		}
	}
	sort.SliceStable(path, func(i, j int) bool { return path[i].Position < path[j].Position })
	for i, m := range path {
		if m.Position != i {
			return nil, ErrVersionMisaligned
		}
	}
	return path, nil
}

// activatePath makes exactly the messages of version v's path active.
func activatePath(ctx context.Context, tx *gorm.DB, threadID string, ix versionIndex, v int) ([]domain.Message, error) {
	path, err := resolvePath(ctx, tx, threadID, ix, v)
	if err != nil {
		return nil, err
	}
	if err := repo.DeactivateMessages(tx.WithContext(ctx), threadID); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(path))
	for i := range path {
		ids = append(ids, path[i].ID)
		path[i].IsActive = true
	}
	if err := repo.ActivateMessages(tx.WithContext(ctx), ids); err != nil {
		return nil, err
	}
	return path, nil
}

// loadThread maps a repository miss to ErrThreadNotFound.
func loadThread(ctx context.Context, db *gorm.DB, threadID string) (*domain.Thread, error) {
	th, err := repo.GetThreadByID(ctx, db, threadID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrThreadNotFound
		}
		return nil, err
	}
	return th, nil
}

// ThreadLocks serializes writes per thread so that positions and active
// flags are assigned in submission order.
type ThreadLocks struct {
	m sync.Map // threadID -> *sync.Mutex
}

// NewThreadLocks returns an empty lock table.
func NewThreadLocks() *ThreadLocks { return &ThreadLocks{} }

// Lock acquires the thread's lock and returns its release func.
func (l *ThreadLocks) Lock(threadID string) func() {
	mu, _ := l.m.LoadOrStore(threadID, &sync.Mutex{})
	m := mu.(*sync.Mutex)
	m.Lock()
	return m.Unlock
}

// Forget drops the lock of a deleted thread.
func (l *ThreadLocks) Forget(threadID string) {
	if l != nil {
		l.m.Delete(threadID)
	}
}

func lockThread(l *ThreadLocks, threadID string) func() {
	if l == nil {
		return func() {}
	}
	return l.Lock(threadID)
}
