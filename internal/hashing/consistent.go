// Package hashing places rooms onto hub shards with a consistent hash ring,
// so every participant of a room lands on the same hub.
package hashing

import (
	"hash/crc32"
	"slices"
	"sort"
	"strconv"
	"sync"
)

const DefaultReplicas = 64

type Ring struct {
	nodes    []uint32
	registry map[uint32]string
	replicas int
	mu       sync.RWMutex
}

func NewRing(replicas int) *Ring {
	if replicas <= 0 {
		replicas = DefaultReplicas
	}
	return &Ring{
		registry: make(map[uint32]string),
		replicas: replicas,
	}
}

func hash(key string) uint32 {
	return crc32.ChecksumIEEE([]byte(key))
}

func (r *Ring) Add(node string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.replicas {
		point := hash(node + "#" + strconv.Itoa(i))
		if _, ok := r.registry[point]; !ok {
			r.registry[point] = node
			r.nodes = append(r.nodes, point)
		}
	}
	slices.Sort(r.nodes)
}

func (r *Ring) Remove(node string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodes = slices.DeleteFunc(r.nodes, func(point uint32) bool {
		if r.registry[point] == node {
			delete(r.registry, point)
			return true
		}
		return false
	})
}

// Get returns the node owning key, or "" on an empty ring.
func (r *Ring) Get(key string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.nodes) == 0 {
		return ""
	}

	h := hash(key)
	idx := sort.Search(len(r.nodes), func(i int) bool {
		return r.nodes[i] >= h
	})
	if idx == len(r.nodes) {
		idx = 0
	}

	return r.registry[r.nodes[idx]]
}

func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}
