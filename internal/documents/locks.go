package documents

import "sync"

// documentLocks hands out one mutex per document id and forgets it once no caller holds or waits on it.
type documentLocks struct {
	mu      sync.Mutex
	entries map[DocumentID]*documentLock
}

type documentLock struct {
	mu   sync.Mutex
	refs int
}

func newDocumentLocks() *documentLocks {
	return &documentLocks{entries: make(map[DocumentID]*documentLock)}
}

// Lock blocks until the caller owns the document's mutex and returns the release function.
func (l *documentLocks) Lock(documentID DocumentID) func() {
	l.mu.Lock()
	entry, ok := l.entries[documentID]
	if !ok {
		entry = &documentLock{}
		l.entries[documentID] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		l.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.entries, documentID)
		}
		l.mu.Unlock()
	}
}

func (l *documentLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
