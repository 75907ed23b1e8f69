// Package keylock はキー（ユーザー名・アラートID）ごとの排他区間を提供する。
// 同一キーの処理は直列化し、異なるキーの処理は完全に並列に実行できる。
package keylock

import (
	"hash/fnv"
	"sync"
)

// shardCount はキー表を分割するシャード数。
const shardCount = 64

// entry はキーごとのミューテックスと参照カウント。
type entry struct {
	mu   sync.Mutex
	refs int
}

// shard はキー表の1区画。
type shard struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// Locker はキーごとのミューテックスを管理する。
// 使用中でないキーのエントリは解放時に削除されるため、キー数に比例してメモリが増え続けることはない。
type Locker struct {
	shards [shardCount]shard
}

// New はLockerを生成する。
func New() *Locker {
	l := &Locker{}
	for i := range l.shards {
		l.shards[i].entries = make(map[string]*entry)
	}
	return l
}

func (l *Locker) shardFor(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &l.shards[h.Sum32()%shardCount]
}

// Lock はkeyの排他区間に入り、解放用の関数を返す。
// 解放関数は必ず1回だけ呼び出すこと。
func (l *Locker) Lock(key string) (unlock func()) {
	s := l.shardFor(key)

	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok {
		e = &entry{}
		s.entries[key] = e
	}
	e.refs++
	s.mu.Unlock()

	e.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Unlock()

			s.mu.Lock()
			e.refs--
			if e.refs == 0 {
				delete(s.entries, key)
			}
			s.mu.Unlock()
		})
	}
}

// Len は現在保持しているキーの数を返す。テスト用。
func (l *Locker) Len() int {
	n := 0
	for i := range l.shards {
		s := &l.shards[i]
		s.mu.Lock()
		n += len(s.entries)
		s.mu.Unlock()
	}
	return n
}
