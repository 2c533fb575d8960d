package syncutil

import (
	"sync"
	"testing"
)

func TestShardedMutexExcludesSameKey(t *testing.T) {
	var sm ShardedMutex
	var counter int
	var wg sync.WaitGroup

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := sm.Lock("cp-1")
			defer unlock()
			counter++
		}()
	}
	wg.Wait()

	if counter != 100 {
		t.Fatalf("expected 100 increments, got %d", counter)
	}
}

func TestShardedMutexStableShard(t *testing.T) {
	var sm ShardedMutex
	if sm.shard("cp-1") != sm.shard("cp-1") {
		t.Fatal("same key must map to the same shard")
	}
}

func TestShardedMutexUnlockReleases(t *testing.T) {
	var sm ShardedMutex
	unlock := sm.Lock("cp-1")
	unlock()

	done := make(chan struct{})
	go func() {
		unlock := sm.Lock("cp-1")
		unlock()
		close(done)
	}()
	<-done
}
