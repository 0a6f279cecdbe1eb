package fix

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// WorkTree is a checkout shared by concurrent fix pipelines. A candidate
// patch is only ever applied while the write lock is held, so readers always
// see the tree as committed.
type WorkTree struct {
	Dir string

	mu sync.RWMutex
}

func NewWorkTree(dir string) *WorkTree { return &WorkTree{Dir: dir} }

// ReadFile reads name, a path relative to Dir. Paths that leave Dir are
// rejected.
func (w *WorkTree) ReadFile(name string) ([]byte, error) {
	if !filepath.IsLocal(name) {
		return nil, fmt.Errorf("work tree: %q is not a local path", name)
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	return os.ReadFile(filepath.Join(w.Dir, name))
}

// exclusive holds the write lock for fn.
func (w *WorkTree) exclusive(fn func() (VerificationReport, error)) (VerificationReport, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return fn()
}
