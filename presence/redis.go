// Package presence mirrors room membership into Redis so every server in a
// deployment can list who is in a room.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"coderoom-server/core"

	redis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const DefaultTTL = 90 * time.Second

type Member struct {
	ConnectionID string    `json:"connectionId"`
	User         core.User `json:"user"`
	ExpiresAt    time.Time `json:"expiresAt,omitzero"`
}

// Redis keeps one sorted set per room scored by expiry (unix seconds) and a
// hash of connection id to user. Entries not refreshed within the TTL are
// treated as gone, which covers servers that died without cleaning up.
type Redis struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

func NewRedis(rdb *redis.Client, prefix string, ttl time.Duration) *Redis {
	if prefix == "" {
		prefix = "coderoom"
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{rdb: rdb, prefix: prefix, ttl: ttl, now: time.Now}
}

func (p *Redis) roomKey(roomID string) string {
	return p.prefix + ":presence:room:" + roomID
}

func (p *Redis) usersKey(roomID string) string {
	return p.prefix + ":presence:users:" + roomID
}

func (p *Redis) Join(ctx context.Context, roomID, connID string, user core.User) error {
	data, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("encode presence user: %w", err)
	}

	expireAt := p.now().Add(p.ttl).Unix()
	tx := p.rdb.TxPipeline()
	tx.ZAdd(ctx, p.roomKey(roomID), redis.Z{Score: float64(expireAt), Member: connID})
	tx.HSet(ctx, p.usersKey(roomID), connID, data)
	tx.Expire(ctx, p.roomKey(roomID), 2*p.ttl)
	tx.Expire(ctx, p.usersKey(roomID), 2*p.ttl)
	if _, err := tx.Exec(ctx); err != nil {
		return fmt.Errorf("record presence in room %s: %w", roomID, err)
	}
	return nil
}

func (p *Redis) Leave(ctx context.Context, roomID, connID string) error {
	tx := p.rdb.TxPipeline()
	tx.ZRem(ctx, p.roomKey(roomID), connID)
	tx.HDel(ctx, p.usersKey(roomID), connID)
	if _, err := tx.Exec(ctx); err != nil {
		return fmt.Errorf("clear presence in room %s: %w", roomID, err)
	}
	return nil
}

// Refresh pushes the expiry of live members forward. XX keeps it from
// resurrecting members that already left.
func (p *Redis) Refresh(ctx context.Context, roomID string, connIDs []string) error {
	if len(connIDs) == 0 {
		return nil
	}
	expireAt := float64(p.now().Add(p.ttl).Unix())
	members := make([]redis.Z, 0, len(connIDs))
	for _, connID := range connIDs {
		members = append(members, redis.Z{Score: expireAt, Member: connID})
	}

	tx := p.rdb.TxPipeline()
	tx.ZAddXX(ctx, p.roomKey(roomID), members...)
	tx.Expire(ctx, p.roomKey(roomID), 2*p.ttl)
	tx.Expire(ctx, p.usersKey(roomID), 2*p.ttl)
	_, err := tx.Exec(ctx)
	return err
}

var pruneScript = redis.NewScript(`
local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
if #expired > 0 then
	redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
	redis.call("HDEL", KEYS[2], unpack(expired))
end
return #expired
`)

// Members prunes expired entries and returns the live ones.
func (p *Redis) Members(ctx context.Context, roomID string) ([]Member, error) {
	now := p.now().Unix()
	roomKey, usersKey := p.roomKey(roomID), p.usersKey(roomID)

	if err := pruneScript.Run(ctx, p.rdb, []string{roomKey, usersKey}, now).Err(); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("prune presence in room %s: %w", roomID, err)
	}

	alive, err := p.rdb.ZRangeByScoreWithScores(ctx, roomKey, &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now, 10),
		Max: "+inf",
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("list presence in room %s: %w", roomID, err)
	}
	if len(alive) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(alive))
	for _, z := range alive {
		ids = append(ids, fmt.Sprint(z.Member))
	}
	users, err := p.rdb.HMGet(ctx, usersKey, ids...).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("load presence users in room %s: %w", roomID, err)
	}

	members := make([]Member, 0, len(alive))
	for i, z := range alive {
		m := Member{ConnectionID: ids[i], ExpiresAt: time.Unix(int64(z.Score), 0)}
		if raw, ok := users[i].(string); ok {
			if err := json.Unmarshal([]byte(raw), &m.User); err != nil {
				logrus.WithFields(logrus.Fields{
					"room_id":       roomID,
					"connection_id": ids[i],
				}).WithError(err).Warn("Skipping malformed presence entry")
				continue
			}
		}
		members = append(members, m)
	}
	return members, nil
}

// Heartbeat refreshes every local member each interval until ctx is done.
// snapshot returns the local connection ids per room.
func (p *Redis) Heartbeat(ctx context.Context, interval time.Duration, snapshot func() map[string][]string) {
	if interval <= 0 {
		interval = p.ttl / 3
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for roomID, connIDs := range snapshot() {
				if err := p.Refresh(ctx, roomID, connIDs); err != nil {
					logrus.WithField("room_id", roomID).WithError(err).Warn("Failed to refresh presence")
				}
			}
		}
	}
}
