package peer

import (
	"sort"
	"sync"

	"github.com/Charana123/swarm/go-torrent/event"
	"github.com/samber/lo"
)

type Command int

const (
	Choke Command = iota
	Unchoke
	Shutdown
)

func (c Command) String() string {
	switch c {
	case Choke:
		return "choke"
	case Unchoke:
		return "unchoke"
	case Shutdown:
		return "shutdown"
	}
	return "unknown"
}

// Handle is how other tasks reach a running connection. Sends select on
// Done so a terminated connection never blocks its sender.
type Handle struct {
	Idx    int
	Addr   string
	Events chan<- event.Event
	Cmds   chan<- Command
	Done   <-chan struct{}
}

// Send delivers ev unless the connection has terminated.
func (h *Handle) Send(ev event.Event) bool {
	select {
	case h.Events <- ev:
		return true
	case <-h.Done:
		return false
	}
}

// Command delivers cmd unless the connection has terminated.
func (h *Handle) Command(cmd Command) bool {
	select {
	case h.Cmds <- cmd:
		return true
	case <-h.Done:
		return false
	}
}

// Registry holds the handles of registered connections. The coordinator
// writes it, the choker and the api read it.
type Registry struct {
	sync.RWMutex
	handles map[int]*Handle
}

func NewRegistry() *Registry {
	return &Registry{
		handles: make(map[int]*Handle),
	}
}

func (r *Registry) Add(h *Handle) {
	r.Lock()
	defer r.Unlock()

	r.handles[h.Idx] = h
}

func (r *Registry) Remove(idx int) {
	r.Lock()
	defer r.Unlock()

	delete(r.handles, idx)
}

func (r *Registry) Get(idx int) (*Handle, bool) {
	r.RLock()
	defer r.RUnlock()

	h, ok := r.handles[idx]
	return h, ok
}

func (r *Registry) Len() int {
	r.RLock()
	defer r.RUnlock()

	return len(r.handles)
}

// Handles returns the registered handles in ascending index order.
func (r *Registry) Handles() []*Handle {
	r.RLock()
	handles := lo.Values(r.handles)
	r.RUnlock()

	sort.Slice(handles, func(i, j int) bool {
		return handles[i].Idx < handles[j].Idx
	})
	return handles
}
