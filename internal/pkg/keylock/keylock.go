// Package keylock 按 key 加锁
// 同一 key 的持有者互斥，不同 key 互不影响；空闲 key 自动回收
package keylock

import (
	"context"
	"sync"
)

type entry struct {
	ch   chan struct{}
	refs int
}

// KeyLock 按 key 的互斥锁集合，零值不可用
type KeyLock struct {
	mu    sync.Mutex
	locks map[string]*entry
}

// New 创建 KeyLock
func New() *KeyLock {
	return &KeyLock{locks: make(map[string]*entry)}
}

// Lock 获取 key 的锁，ctx 结束时放弃等待
func (k *KeyLock) Lock(ctx context.Context, key string) (func(), error) {
	e := k.acquire(key)

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		k.release(key, e)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			k.release(key, e)
		})
	}, nil
}

// Held 当前被引用（持有或等待）的 key 数量
func (k *KeyLock) Held() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}

func (k *KeyLock) acquire(key string) *entry {
	k.mu.Lock()
	defer k.mu.Unlock()
	e, ok := k.locks[key]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		k.locks[key] = e
	}
	e.refs++
	return e
}

func (k *KeyLock) release(key string, e *entry) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(k.locks, key)
	}
}
