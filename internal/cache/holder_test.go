package cache

import (
	"context"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
)

func newTestHolder(t *testing.T, dials *int) *Holder {
	t.Helper()
	mr := miniredis.RunT(t)
	var mu sync.Mutex
	return NewHolder(Config{}, &fakeDurable{}, func(goredis.UniversalClient) Enqueuer {
		return &fakeEnqueuer{}
	}).WithDialer(func(Config) goredis.UniversalClient {
		mu.Lock()
		*dials++
		mu.Unlock()
		return goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	})
}

func TestHolderReturnsSameInstance(t *testing.T) {
	dials := 0
	holder := newTestHolder(t, &dials)
	t.Cleanup(func() { _ = holder.CloseInstance() })

	var wg sync.WaitGroup
	clients := make([]*Client, 8)
	for i := range clients {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			client, err := holder.Instance(context.Background())
			if err != nil {
				t.Errorf("instance: %v", err)
				return
			}
			clients[i] = client
		}(i)
	}
	wg.Wait()

	for _, client := range clients[1:] {
		if client != clients[0] {
			t.Fatalf("holder returned distinct clients")
		}
	}
	if dials != 1 {
		t.Fatalf("dials = %d, want 1", dials)
	}
}

func TestHolderReconnectsAfterCloseInstance(t *testing.T) {
	dials := 0
	holder := newTestHolder(t, &dials)
	ctx := context.Background()

	first, err := holder.Instance(ctx)
	if err != nil {
		t.Fatalf("instance: %v", err)
	}
	if err := holder.CloseInstance(); err != nil {
		t.Fatalf("close instance: %v", err)
	}
	if first.TestConnection(ctx) {
		t.Fatalf("closed client still reports a connection")
	}

	second, err := holder.Instance(ctx)
	if err != nil {
		t.Fatalf("instance after close: %v", err)
	}
	t.Cleanup(func() { _ = holder.CloseInstance() })
	if second == first {
		t.Fatalf("holder reused a closed client")
	}
	if !second.TestConnection(ctx) {
		t.Fatalf("new client cannot reach redis")
	}
	if dials != 2 {
		t.Fatalf("dials = %d, want 2", dials)
	}
	if err := holder.CloseInstance(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := holder.CloseInstance(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}
