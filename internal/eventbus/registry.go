package eventbus

import (
	"sort"
	"sync"

	uuid "github.com/hashicorp/go-uuid"
)

// Registration is the handle returned by RegisterHandler. Go funcs cannot be
// compared, so the handle identifies the handler on unregister.
type Registration struct {
	id      string
	address string
	handler Handler
	owner   *registry
}

func (r *Registration) ID() string {
	return r.id
}

func (r *Registration) Address() string {
	return r.address
}

// registry maps addresses to their handlers in registration order.
type registry struct {
	mu       sync.Mutex
	handlers map[string][]*Registration
}

func newRegistry() *registry {
	return &registry{handlers: make(map[string][]*Registration)}
}

func (r *registry) newRegistration(address string, h Handler) (*Registration, error) {
	id, err := uuid.GenerateUUID()
	if err != nil {
		return nil, err
	}
	return &Registration{id: id, address: address, handler: h, owner: r}, nil
}

// add appends reg and reports whether it is the first handler for its
// address.
func (r *registry) add(reg *Registration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.handlers[reg.address]
	r.handlers[reg.address] = append(list, reg)
	return len(list) == 0
}

// remove drops reg. last is true when no handler remains for the address.
func (r *registry) remove(reg *Registration) (found bool, last bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.handlers[reg.address]
	for i, cur := range list {
		if cur != reg {
			continue
		}
		next := make([]*Registration, 0, len(list)-1)
		next = append(next, list[:i]...)
		next = append(next, list[i+1:]...)
		if len(next) == 0 {
			delete(r.handlers, reg.address)
			return true, true
		}
		r.handlers[reg.address] = next
		return true, false
	}
	return false, false
}

// lookup returns the handlers for address. The slice is never mutated in
// place, so callers may iterate it without the lock.
func (r *registry) lookup(address string) []*Registration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handlers[address]
}

func (r *registry) addresses() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.handlers))
	for address := range r.handlers {
		out = append(out, address)
	}
	sort.Strings(out)
	return out
}

func (r *registry) reset() {
	r.mu.Lock()
	r.handlers = make(map[string][]*Registration)
	r.mu.Unlock()
}
