package presence

import (
	"context"
	"fmt"
	"testing"
	"time"

	"coderoom-server/core"

	redis "github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) *Redis {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:6379"})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Skipf("skip: redis not available: %v", err)
	}

	prefix := fmt.Sprintf("coderoom-test-%d", time.Now().UnixNano())
	t.Cleanup(func() {
		ctx := context.Background()
		iter := rdb.Scan(ctx, 0, prefix+":*", 0).Iterator()
		for iter.Next(ctx) {
			rdb.Del(ctx, iter.Val())
		}
		rdb.Close()
	})
	return NewRedis(rdb, prefix, time.Minute)
}

func TestRedisJoinLeave(t *testing.T) {
	ctx := context.Background()
	p := newTestRedis(t)

	if err := p.Join(ctx, "room-1", "c1", core.User{ID: "alice", Name: "Alice"}); err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	if err := p.Join(ctx, "room-1", "c2", core.User{ID: "bob"}); err != nil {
		t.Fatalf("Join failed: %v", err)
	}

	members, err := p.Members(ctx, "room-1")
	if err != nil {
		t.Fatalf("Members failed: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("expected 2 members, got %+v", members)
	}
	names := map[string]string{}
	for _, m := range members {
		names[m.ConnectionID] = m.User.ID
	}
	if names["c1"] != "alice" || names["c2"] != "bob" {
		t.Fatalf("unexpected members: %+v", members)
	}

	if err := p.Leave(ctx, "room-1", "c1"); err != nil {
		t.Fatalf("Leave failed: %v", err)
	}
	members, _ = p.Members(ctx, "room-1")
	if len(members) != 1 || members[0].ConnectionID != "c2" {
		t.Fatalf("expected only c2 left, got %+v", members)
	}
}

func TestRedisExpiry(t *testing.T) {
	ctx := context.Background()
	p := newTestRedis(t)

	base := time.Now()
	p.now = func() time.Time { return base }
	if err := p.Join(ctx, "room-1", "c1", core.User{ID: "alice"}); err != nil {
		t.Fatalf("Join failed: %v", err)
	}

	p.now = func() time.Time { return base.Add(2 * time.Minute) }
	members, err := p.Members(ctx, "room-1")
	if err != nil {
		t.Fatalf("Members failed: %v", err)
	}
	if len(members) != 0 {
		t.Fatalf("expired member still listed: %+v", members)
	}

	if err := p.Refresh(ctx, "room-1", []string{"c1"}); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	members, _ = p.Members(ctx, "room-1")
	if len(members) != 0 {
		t.Fatalf("refresh resurrected a pruned member: %+v", members)
	}
}
