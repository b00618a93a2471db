package escrow

import (
	"sync"
	"testing"
)

// Per-order lock entries must be evicted once the last holder releases them,
// otherwise the map retains an entry for every order id ever touched.
func TestLockOrder_EvictsIdleEntries(t *testing.T) {
	e := &Engine{orderLocks: make(map[int64]*orderLock)}

	var wg sync.WaitGroup
	for worker := 0; worker < 8; worker++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for orderID := int64(1); orderID <= 50; orderID++ {
				unlock := e.lockOrder(orderID)
				unlock()
			}
		}()
	}
	wg.Wait()

	e.mu.Lock()
	remaining := len(e.orderLocks)
	e.mu.Unlock()
	if remaining != 0 {
		t.Fatalf("expected all order locks evicted, %d entries remain", remaining)
	}
}

func TestLockOrder_SerializesSameOrder(t *testing.T) {
	e := &Engine{orderLocks: make(map[int64]*orderLock)}

	var counter int
	var wg sync.WaitGroup
	for worker := 0; worker < 16; worker++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				unlock := e.lockOrder(42)
				counter++
				unlock()
			}
		}()
	}
	wg.Wait()

	if counter != 1600 {
		t.Fatalf("counter = %d, want 1600", counter)
	}
}
