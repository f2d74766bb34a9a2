package corectx

import "sync"

// internedNames is the append-only peer-name table referenced by
// spec.md §4.1 invariant iii and §3's "net_db_peer.peername" field: once
// a name is interned it is never removed, so every caller observing the
// same hostname observes the same backing string.
type internedNames struct {
	mu    sync.Mutex
	names map[string]string
}

func newInternedNames() *internedNames {
	return &internedNames{names: make(map[string]string)}
}

func (n *internedNames) Intern(name string) string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if existing, ok := n.names[name]; ok {
		return existing
	}
	n.names[name] = name
	return name
}

// Len reports the number of distinct interned names; interning the same
// name twice does not grow the table.
func (n *internedNames) Len() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.names)
}
