package cache

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// memRedis answers GET, SET, DEL and PING in memory through a client hook, so
// commands never reach the network.
type memRedis struct {
	mu   sync.Mutex
	data map[string]string
	ttls map[string]time.Duration
	down error
}

func (m *memRedis) DialHook(next redis.DialHook) redis.DialHook { return next }

func (m *memRedis) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return next
}

func (m *memRedis) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.down != nil {
			cmd.SetErr(m.down)
			return m.down
		}

		args := cmd.Args()
		switch c := cmd.(type) {
		case *redis.StringCmd:
			v, ok := m.data[args[1].(string)]
			if !ok {
				c.SetErr(redis.Nil)
				return redis.Nil
			}
			c.SetVal(v)
		case *redis.StatusCmd:
			if cmd.Name() == "set" {
				key := args[1].(string)
				m.data[key] = asString(args[2])
				if len(args) == 5 {
					m.ttls[key] = ttlArg(args[3], args[4])
				}
			}
			c.SetVal("OK")
		case *redis.IntCmd:
			var n int64
			for _, k := range args[1:] {
				if _, ok := m.data[k.(string)]; ok {
					delete(m.data, k.(string))
					n++
				}
			}
			c.SetVal(n)
		}
		return nil
	}
}

func asString(v any) string {
	switch v := v.(type) {
	case []byte:
		return string(v)
	case string:
		return v
	}
	return ""
}

func ttlArg(unit, n any) time.Duration {
	d, _ := n.(int64)
	if strings.EqualFold(asString(unit), "px") {
		return time.Duration(d) * time.Millisecond
	}
	return time.Duration(d) * time.Second
}

func newTestCache(t *testing.T) (*Cache, *memRedis) {
	t.Helper()
	mem := &memRedis{data: make(map[string]string), ttls: make(map[string]time.Duration)}
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	client.AddHook(mem)
	t.Cleanup(func() { client.Close() })
	return NewCache(client, "test:"), mem
}

type snapshot struct {
	ID    string `json:"id"`
	Stage string `json:"stage"`
}

func TestCacheRoundTripsJSON(t *testing.T) {
	c, mem := newTestCache(t)
	ctx := context.Background()

	if err := c.Set(ctx, "abc", snapshot{ID: "abc", Stage: "done"}, time.Minute); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if got := mem.data["test:abc"]; got != `{"id":"abc","stage":"done"}` {
		t.Fatalf("stored value = %q", got)
	}
	if mem.ttls["test:abc"] != time.Minute {
		t.Fatalf("ttl = %v, want 1m", mem.ttls["test:abc"])
	}

	var got snapshot
	if err := c.Get(ctx, "abc", &got); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.ID != "abc" || got.Stage != "done" {
		t.Fatalf("Get() = %+v", got)
	}

	if err := c.Delete(ctx, "abc"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := c.Get(ctx, "abc", &got); !errors.Is(err, ErrMiss) {
		t.Fatalf("Get() after delete err = %v, want ErrMiss", err)
	}
}

func TestCacheMissAndErrors(t *testing.T) {
	c, mem := newTestCache(t)
	ctx := context.Background()

	var dest snapshot
	if err := c.Get(ctx, "missing", &dest); !errors.Is(err, ErrMiss) {
		t.Fatalf("err = %v, want ErrMiss", err)
	}

	mem.data["test:bad"] = "{not json"
	if err := c.Get(ctx, "bad", &dest); err == nil || errors.Is(err, ErrMiss) || !strings.Contains(err.Error(), "decode cached bad") {
		t.Fatalf("err = %v, want decode error", err)
	}

	if err := c.Set(ctx, "fn", func() {}, time.Minute); err == nil {
		t.Fatal("expected marshal error")
	}

	if err := c.Ping(ctx); err != nil {
		t.Fatalf("Ping() error = %v", err)
	}

	down := errors.New("connection refused")
	mem.down = down
	if err := c.Get(ctx, "abc", &dest); !errors.Is(err, down) || errors.Is(err, ErrMiss) {
		t.Fatalf("err = %v, want wrapped connection error", err)
	}
	if err := c.Set(ctx, "abc", dest, time.Minute); !errors.Is(err, down) {
		t.Fatalf("Set() err = %v", err)
	}
	if err := c.Ping(ctx); err == nil {
		t.Fatal("expected ping error")
	}
}
