package utils

import (
	"sort"
	"sync"
	"time"

	"github.com/jpillora/backoff"
)

// Retry calls f until it succeeds or it has been retried retry times,
// sleeping with jittered backoff between attempts.
func Retry(f func() error, retry int) error {
	var err error

	jitter := &backoff.Backoff{
		Min:    50 * time.Millisecond,
		Max:    5 * time.Second,
		Jitter: true,
	}

	err = f()

	if err == nil {
		return nil
	}

	for i := 0; i < retry; i++ {
		time.Sleep(jitter.Duration())

		err = f()

		if err == nil {
			return nil
		}
	}

	return err
}

// KeyedMutex hands out one mutex per key. Entries are dropped when the last
// holder unlocks so the map only grows with the number of keys in use.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	sync.Mutex
	refs int
}

// Lock acquires the locks for every distinct key in a stable order and
// returns a func releasing all of them.
func (k *KeyedMutex) Lock(keys ...string) (unlock func()) {
	keys = dedupe(keys)
	sort.Strings(keys)

	held := make([]*keyedLock, 0, len(keys))
	for _, key := range keys {
		l := k.acquire(key)
		l.Lock()
		held = append(held, l)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			for i := len(keys) - 1; i >= 0; i-- {
				held[i].Unlock()
				k.release(keys[i])
			}
		})
	}
}

// TryLock is Lock without blocking; ok is false if any key is held.
func (k *KeyedMutex) TryLock(keys ...string) (unlock func(), ok bool) {
	keys = dedupe(keys)
	sort.Strings(keys)

	held := make([]*keyedLock, 0, len(keys))
	for _, key := range keys {
		l := k.acquire(key)
		if !l.TryLock() {
			k.release(key)
			for i := len(held) - 1; i >= 0; i-- {
				held[i].Unlock()
				k.release(keys[i])
			}
			return nil, false
		}
		held = append(held, l)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			for i := len(keys) - 1; i >= 0; i-- {
				held[i].Unlock()
				k.release(keys[i])
			}
		})
	}, true
}

func (k *KeyedMutex) acquire(key string) *keyedLock {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.locks == nil {
		k.locks = map[string]*keyedLock{}
	}

	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	return l
}

func (k *KeyedMutex) release(key string) {
	k.mu.Lock()
	defer k.mu.Unlock()

	l := k.locks[key]
	l.refs--
	if l.refs == 0 {
		delete(k.locks, key)
	}
}

func (k *KeyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}

func dedupe(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, key := range keys {
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, key)
	}
	return out
}
