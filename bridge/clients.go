package bridge

import (
	"sync"

	"github.com/google/uuid"
)

// ClientList tracks connected websocket subscribers.
type ClientList struct {
	clients map[uuid.UUID]*wsConnection
	mu      sync.RWMutex
}

func NewClientList() *ClientList {
	return &ClientList{
		clients: make(map[uuid.UUID]*wsConnection),
	}
}

func (cl *ClientList) Add(c *wsConnection) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	cl.clients[c.id] = c
}

// Remove reports whether id was registered.
func (cl *ClientList) Remove(id uuid.UUID) bool {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	_, ok := cl.clients[id]
	delete(cl.clients, id)
	return ok
}

func (cl *ClientList) Len() int {
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	return len(cl.clients)
}

// Each calls fn for every client outside the lock.
func (cl *ClientList) Each(fn func(*wsConnection)) {
	cl.mu.RLock()
	list := make([]*wsConnection, 0, len(cl.clients))
	for _, c := range cl.clients {
		list = append(list, c)
	}
	cl.mu.RUnlock()

	for _, c := range list {
		fn(c)
	}
}
