package keylock

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// TestLock_SerializesSameKey は同一キーの処理が直列化されることを検証する。
func TestLock_SerializesSameKey(t *testing.T) {
	l := New()
	var inside int32
	var maxInside int32
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := l.Lock("alice")
			defer unlock()

			n := atomic.AddInt32(&inside, 1)
			if n > atomic.LoadInt32(&maxInside) {
				atomic.StoreInt32(&maxInside, n)
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
		}()
	}
	wg.Wait()

	if maxInside != 1 {
		t.Errorf("同一キーの排他区間に同時に %d 個入った, want 1", maxInside)
	}
}

// TestLock_DifferentKeysRunInParallel は異なるキーが互いにブロックしないことを検証する。
func TestLock_DifferentKeysRunInParallel(t *testing.T) {
	l := New()
	unlockAlice := l.Lock("alice")
	defer unlockAlice()

	done := make(chan struct{})
	go func() {
		unlock := l.Lock("bob")
		unlock()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("別キーのロック取得がブロックされた")
	}
}

// TestLock_ReleasesEntries は解放後にエントリが削除されることを検証する。
func TestLock_ReleasesEntries(t *testing.T) {
	l := New()
	unlock := l.Lock("alice")
	if l.Len() != 1 {
		t.Errorf("Len = %d, want 1", l.Len())
	}
	unlock()
	unlock() // 2回目の呼び出しは無視される
	if l.Len() != 0 {
		t.Errorf("Len = %d, want 0", l.Len())
	}
}
