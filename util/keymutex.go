package util

import "sync"

// KeyMutex hands out one mutex per key and forgets keys nobody holds.
type KeyMutex struct {
	lk    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func NewKeyMutex() *KeyMutex {
	return &KeyMutex{
		locks: make(map[string]*refMutex),
	}
}

// Lock blocks until key is free and returns the matching unlock func.
func (km *KeyMutex) Lock(key string) func() {
	km.lk.Lock()
	m, ok := km.locks[key]
	if !ok {
		m = &refMutex{}
		km.locks[key] = m
	}
	m.refs++
	km.lk.Unlock()

	m.Lock()

	return func() {
		m.Unlock()

		km.lk.Lock()
		m.refs--
		if m.refs == 0 {
			delete(km.locks, key)
		}
		km.lk.Unlock()
	}
}
