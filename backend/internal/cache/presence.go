// Package cache keeps the presence roster of every room: who is connected,
// under which name, and their latest awareness state.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang/glog"
	redis "github.com/redis/go-redis/v9"
)

type Member struct {
	ClientID uint64 `json:"clientId"`
	UserID   uint64 `json:"userId,omitempty"`
	Username string `json:"username,omitempty"`
	// State is the raw awareness json, nil when the member never sent one
	// or it expired.
	State json.RawMessage `json:"state,omitempty"`
}

type PresenceCache interface {
	// AddMember registers or refreshes a member; refreshing is how
	// heartbeats extend the TTL.
	AddMember(ctx context.Context, docID string, m Member, ttl time.Duration) error
	RemoveMember(ctx context.Context, docID string, clientID uint64) error
	SetState(ctx context.Context, docID string, clientID uint64, state []byte, ttl time.Duration) error
	// AliveMembers drops expired members and returns the rest, ordered by
	// client id.
	AliveMembers(ctx context.Context, docID string) ([]Member, error)
	GetDocuments(ctx context.Context) ([]string, error)
}

type redisPresence struct {
	rdb redis.UniversalClient
}

// NewRedisPresence accepts a single-node or cluster client.
func NewRedisPresence(rdb redis.UniversalClient) PresenceCache {
	return &redisPresence{rdb: rdb}
}

func (p *redisPresence) AddMember(ctx context.Context, docID string, m Member, ttl time.Duration) error {
	info, err := json.Marshal(Member{ClientID: m.ClientID, UserID: m.UserID, Username: m.Username})
	if err != nil {
		return err
	}
	id := strconv.FormatUint(m.ClientID, 10)
	// score is expireAt in unix seconds, a logical TTL per member
	expireAt := time.Now().Add(ttl).Unix()

	tx := p.rdb.TxPipeline()
	tx.ZAdd(ctx, roomKey(docID), redis.Z{Score: float64(expireAt), Member: id})
	tx.HSet(ctx, namesKey(docID), id, info)
	tx.SAdd(ctx, docsKey(), docID)
	_, err = tx.Exec(ctx)
	return err
}

func (p *redisPresence) RemoveMember(ctx context.Context, docID string, clientID uint64) error {
	id := strconv.FormatUint(clientID, 10)
	tx := p.rdb.TxPipeline()
	tx.ZRem(ctx, roomKey(docID), id)
	tx.HDel(ctx, namesKey(docID), id)
	tx.Del(ctx, stateKey(docID, clientID))
	_, err := tx.Exec(ctx)
	return err
}

func (p *redisPresence) SetState(ctx context.Context, docID string, clientID uint64, state []byte, ttl time.Duration) error {
	return p.rdb.Set(ctx, stateKey(docID, clientID), state, ttl).Err()
}

func (p *redisPresence) GetDocuments(ctx context.Context) ([]string, error) {
	return p.rdb.SMembers(ctx, docsKey()).Result()
}

// KEYS[1] = roomKey(docID), KEYS[2] = namesKey(docID), ARGV[1] = now
var cleanupScript = redis.NewScript(`
local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
if #expired > 0 then
	redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
	redis.call("HDEL", KEYS[2], unpack(expired))
end
return #expired
`)

func (p *redisPresence) AliveMembers(ctx context.Context, docID string) ([]Member, error) {
	now := time.Now().Unix()
	n, err := cleanupScript.Run(ctx, p.rdb, []string{roomKey(docID), namesKey(docID)}, now).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("presence cleanup: %w", err)
	}
	if n > 0 {
		glog.V(1).Infof("[presence] room %s: expired %d members", docID, n)
	}

	ids, err := p.rdb.ZRangeByScore(ctx, roomKey(docID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now, 10),
		Max: "+inf",
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	infos, err := p.rdb.HMGet(ctx, namesKey(docID), ids...).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	stateKeys := make([]string, len(ids))
	members := make([]Member, len(ids))
	for i, id := range ids {
		cid, err := strconv.ParseUint(id, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("presence member %q: %w", id, err)
		}
		members[i].ClientID = cid
		if s, ok := infos[i].(string); ok {
			_ = json.Unmarshal([]byte(s), &members[i])
			members[i].ClientID = cid
		}
		stateKeys[i] = stateKey(docID, cid)
	}
	states, err := p.rdb.MGet(ctx, stateKeys...).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	for i, v := range states {
		if s, ok := v.(string); ok {
			members[i].State = json.RawMessage(s)
		}
	}
	sortMembers(members)
	return members, nil
}
