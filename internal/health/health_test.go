package health

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestRegistryEmpty(t *testing.T) {
	r := NewRegistry()
	healthy, statuses := r.CheckAll(context.Background())
	if !healthy {
		t.Fatal("empty registry should be healthy")
	}
	if len(statuses) != 0 {
		t.Fatalf("expected 0 statuses, got %d", len(statuses))
	}
}

func TestRegistryOneUnhealthyKeepsOrder(t *testing.T) {
	r := NewRegistry()
	r.Register("database", func(_ context.Context) Status {
		return Status{Name: "database", Healthy: true}
	})
	r.Register("redis", func(_ context.Context) Status {
		return Status{Name: "redis", Healthy: false, Detail: "connection refused"}
	})

	healthy, statuses := r.CheckAll(context.Background())
	if healthy {
		t.Fatal("registry with unhealthy checker should report unhealthy")
	}
	if len(statuses) != 2 || statuses[0].Name != "database" || statuses[1].Name != "redis" {
		t.Fatalf("unexpected statuses %+v", statuses)
	}
	if statuses[1].Detail != "connection refused" {
		t.Fatalf("expected detail 'connection refused', got %q", statuses[1].Detail)
	}
}

func TestRegistryFillsMissingName(t *testing.T) {
	r := NewRegistry()
	r.Register("escrow_timer", func(_ context.Context) Status { return Status{Healthy: true} })

	_, statuses := r.CheckAll(context.Background())
	if statuses[0].Name != "escrow_timer" {
		t.Fatalf("expected registered name, got %q", statuses[0].Name)
	}
}

func TestRegistryTimeout(t *testing.T) {
	r := NewRegistry()
	r.SetTimeout(50 * time.Millisecond)
	r.Register("stuck", func(ctx context.Context) Status {
		<-ctx.Done()
		time.Sleep(200 * time.Millisecond) // ignores cancellation for a while
		return Status{Name: "stuck", Healthy: true}
	})
	r.Register("fast", func(_ context.Context) Status { return Status{Name: "fast", Healthy: true} })

	start := time.Now()
	healthy, statuses := r.CheckAll(context.Background())
	if elapsed := time.Since(start); elapsed > 150*time.Millisecond {
		t.Fatalf("CheckAll waited %v for a stuck checker", elapsed)
	}
	if healthy {
		t.Fatal("timed out checker should make the registry unhealthy")
	}
	if statuses[0].Detail != "timed out" || statuses[0].Name != "stuck" {
		t.Fatalf("unexpected status %+v", statuses[0])
	}
	if !statuses[1].Healthy {
		t.Fatal("fast checker should still pass")
	}
}

func TestRegistryRunsChecksConcurrently(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"a", "b", "c"} {
		name := name
		r.Register(name, func(_ context.Context) Status {
			time.Sleep(100 * time.Millisecond)
			return Status{Name: name, Healthy: true}
		})
	}

	start := time.Now()
	healthy, _ := r.CheckAll(context.Background())
	if !healthy {
		t.Fatal("expected healthy")
	}
	if elapsed := time.Since(start); elapsed > 250*time.Millisecond {
		t.Fatalf("checks ran sequentially: %v", elapsed)
	}
}

func TestRegistryConcurrentRegisterAndCheck(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.Register("checker", func(_ context.Context) Status {
				return Status{Name: "checker", Healthy: true}
			})
		}()
		go func() {
			defer wg.Done()
			r.CheckAll(context.Background())
		}()
	}
	wg.Wait()
}

func TestWorkerChecker(t *testing.T) {
	running := false
	check := Worker("escrow_timer", func() bool { return running })

	if s := check(context.Background()); s.Healthy || s.Detail != "not running" {
		t.Fatalf("stopped worker reported %+v", s)
	}
	running = true
	if s := check(context.Background()); !s.Healthy || s.Name != "escrow_timer" {
		t.Fatalf("running worker reported %+v", s)
	}
}

func TestRedisCheckerUnreachable(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1})
	defer client.Close()

	r := NewRegistry()
	r.Register("redis", Redis(client))
	healthy, statuses := r.CheckAll(context.Background())
	if healthy {
		t.Fatal("unreachable redis reported healthy")
	}
	if statuses[0].Name != "redis" || statuses[0].Detail == "" {
		t.Fatalf("unexpected status %+v", statuses[0])
	}
}
