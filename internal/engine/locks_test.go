package engine

import (
	"sync"
	"testing"
)

func TestKeyedMutexSerializesPerKey(t *testing.T) {
	k := newKeyedMutex()
	counters := map[string]*int{"A": new(int), "B": new(int)}
	var mu sync.Mutex
	inside := map[string]int{}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		key := []string{"A", "B"}[i%2]
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock(key)
			defer unlock()

			mu.Lock()
			inside[key]++
			if inside[key] > 1 {
				t.Errorf("two holders of %s", key)
			}
			mu.Unlock()

			*counters[key]++

			mu.Lock()
			inside[key]--
			mu.Unlock()
		}()
	}
	wg.Wait()

	if *counters["A"] != 25 || *counters["B"] != 25 {
		t.Fatalf("unexpected counters %d / %d", *counters["A"], *counters["B"])
	}
	if k.size() != 0 {
		t.Fatalf("expected released entries, %d left", k.size())
	}
}
