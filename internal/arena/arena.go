// Package arena 提供带代数 (generation) 的槽位分配器
// 各模块之间传递的 token 都是 arena 下标，不直接暴露指针
package arena

import "sync"

// Token 指向 arena 中某个槽位: 下标 + 代数
// 零值永远无效；槽位释放后代数递增，旧 Token 随之失效
type Token struct {
	index uint32
	gen   uint32
}

// IsZero 是否为零值 Token
func (t Token) IsZero() bool { return t.gen == 0 }

type slot[T any] struct {
	gen  uint32
	used bool
	val  T
}

// Arena 并发安全的槽位表
type Arena[T any] struct {
	mu    sync.RWMutex
	slots []slot[T]
	free  []uint32
	live  int
}

// New 创建空 arena
func New[T any]() *Arena[T] {
	return &Arena[T]{}
}

// Insert 存入 v 并返回指向它的 Token
func (a *Arena[T]) Insert(v T) Token {
	a.mu.Lock()
	defer a.mu.Unlock()

	var idx uint32
	if n := len(a.free); n > 0 {
		idx = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		idx = uint32(len(a.slots))
		a.slots = append(a.slots, slot[T]{gen: 1})
	}
	s := &a.slots[idx]
	s.used = true
	s.val = v
	a.live++
	return Token{index: idx, gen: s.gen}
}

// Get 返回 Token 对应的值；Token 已失效时 ok 为 false
func (a *Arena[T]) Get(t Token) (v T, ok bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	s, ok := a.lookup(t)
	if !ok {
		return v, false
	}
	return s.val, true
}

// Remove 释放槽位并返回其中的值
func (a *Arena[T]) Remove(t Token) (v T, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.lookup(t)
	if !ok {
		return v, false
	}
	v = s.val
	a.release(t.index)
	return v, true
}

// RemoveIf 释放所有满足条件的槽位，返回释放的数量
func (a *Arena[T]) RemoveIf(pred func(T) bool) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for i := range a.slots {
		if a.slots[i].used && pred(a.slots[i].val) {
			a.release(uint32(i))
			n++
		}
	}
	return n
}

// Len 当前存活的槽位数
func (a *Arena[T]) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.live
}

func (a *Arena[T]) lookup(t Token) (*slot[T], bool) {
	if t.gen == 0 || int(t.index) >= len(a.slots) {
		return nil, false
	}
	s := &a.slots[t.index]
	if !s.used || s.gen != t.gen {
		return nil, false
	}
	return s, true
}

func (a *Arena[T]) release(idx uint32) {
	s := &a.slots[idx]
	var zero T
	s.val = zero
	s.used = false
	s.gen++
	if s.gen == 0 {
		s.gen = 1
	}
	a.free = append(a.free, idx)
	a.live--
}
