package filetree

import "sync"

// dirLocks serializes drive writes into one folder within this process.
// Drive content lands on its final path before the row recording it
// commits, so two writers must not plan the same path at once.
type dirLocks struct {
	mu sync.Mutex
	m  map[string]*dirLock
}

type dirLock struct {
	sync.Mutex
	refs int
}

// lock blocks until the caller holds the folder parentID (nil for the root)
// of owner's drive, and returns the release.
func (d *dirLocks) lock(owner string, parentID *string) (unlock func()) {
	key := owner + "/"
	if parentID != nil {
		key += *parentID
	}

	d.mu.Lock()
	if d.m == nil {
		d.m = make(map[string]*dirLock)
	}
	l := d.m[key]
	if l == nil {
		l = &dirLock{}
		d.m[key] = l
	}
	l.refs++
	d.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		d.mu.Lock()
		if l.refs--; l.refs == 0 {
			delete(d.m, key)
		}
		d.mu.Unlock()
	}
}
