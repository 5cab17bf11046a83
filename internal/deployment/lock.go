package deployment

import (
	"fmt"
	"strings"
	"sync"
)

// LockManager hands out per-repository deployment leases.
//
// Each key maps to the id of the job holding it. Different keys never
// contend with each other, so unrelated deployments run in parallel while
// a second deployment for the same repository is turned away.
type LockManager struct {
	leases sync.Map // key -> holder job id
}

// NewLockManager creates a new lock manager
func NewLockManager() *LockManager {
	return &LockManager{}
}

// TryLock attempts to acquire the lease for key on behalf of holder.
//
// It returns (holder, true) when the lease was acquired, or the id of the
// current holder and false when another job already has it. Non-blocking.
func (lm *LockManager) TryLock(key, holder string) (string, bool) {
	actual, loaded := lm.leases.LoadOrStore(key, holder)
	if loaded {
		return actual.(string), false
	}
	return holder, true
}

// Unlock releases the lease if holder still owns it.
// Typically used with defer: defer lm.Unlock(key, jobID)
func (lm *LockManager) Unlock(key, holder string) {
	lm.leases.CompareAndDelete(key, holder)
}

// Holder returns the job currently holding key.
func (lm *LockManager) Holder(key string) (string, bool) {
	v, ok := lm.leases.Load(key)
	if !ok {
		return "", false
	}
	return v.(string), true
}

// LeaseKey identifies a repository by its reference text, before its id is
// known.
func LeaseKey(installationID int64, owner, name string) string {
	return fmt.Sprintf("%d:%s/%s", installationID, strings.ToLower(owner), strings.ToLower(name))
}

// RepositoryLeaseKey identifies a repository by its platform id.
func RepositoryLeaseKey(installationID, repositoryID int64) string {
	return fmt.Sprintf("%d#%d", installationID, repositoryID)
}
