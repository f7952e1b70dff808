package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/matst80/sqltap/internal/obs"
	"github.com/matst80/sqltap/internal/relay"
	"github.com/redis/go-redis/v9"
)

const (
	keyTotal    = "sqltap:sessions:total"
	keyFailed   = "sqltap:sessions:failed"
	keyBytesUp  = "sqltap:bytes:upstream"
	keyBytesDwn = "sqltap:bytes:client"
)

func sessionKey(id string) string  { return "sqltap:session:" + id }
func instanceKey(id string) string { return "sqltap:instance:" + id }

// redisStateStore shares session counters between relay instances through
// Redis. Live session details stay local; only a summary is published.
type redisStateStore struct {
	client     redis.UniversalClient
	local      *serverState
	instanceID string

	// maintenance configuration
	heartbeatInterval time.Duration
	redisKeyTTL       time.Duration
	opTimeout         time.Duration
}

func newRedisStateStore(client redis.UniversalClient) *redisStateStore {
	return &redisStateStore{
		client:            client,
		local:             newServerState(),
		instanceID:        fmt.Sprintf("sqltap-%d", time.Now().UnixNano()),
		heartbeatInterval: 30 * time.Second,
		redisKeyTTL:       10 * time.Minute,
		opTimeout:         2 * time.Second,
	}
}

var _ StateStore = (*redisStateStore)(nil)

func (r *redisStateStore) setClosing(closing bool) { r.local.setClosing(closing) }
func (r *redisStateStore) setReady(ready bool)     { r.local.setReady(ready) }
func (r *redisStateStore) isClosing() bool         { return r.local.isClosing() }
func (r *redisStateStore) isReady() bool           { return r.local.isReady() }

func (r *redisStateStore) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), r.opTimeout)
}

func (r *redisStateStore) SessionOpened(sess *relay.Session) {
	r.local.SessionOpened(sess)
	data, err := json.Marshal(newSessionInfo(sess))
	if err != nil {
		obs.Error("redis.session.marshal", obs.Fields{"session": sess.ID()}.Err(err))
		return
	}
	ctx, cancel := r.ctx()
	defer cancel()
	pipe := r.client.Pipeline()
	pipe.Set(ctx, sessionKey(sess.ID()), data, r.redisKeyTTL)
	pipe.Set(ctx, instanceKey(sess.ID()), r.instanceID, r.redisKeyTTL)
	pipe.Incr(ctx, keyTotal)
	if _, err := pipe.Exec(ctx); err != nil {
		obs.Error("redis.session.open", obs.Fields{"session": sess.ID()}.Err(err))
		obs.ErrorsTotal.WithLabelValues("redis").Inc()
	}
}

func (r *redisStateStore) SessionClosed(sess *relay.Session) {
	r.local.SessionClosed(sess)
	ctx, cancel := r.ctx()
	defer cancel()
	pipe := r.client.Pipeline()
	pipe.Del(ctx, sessionKey(sess.ID()), instanceKey(sess.ID()))
	pipe.IncrBy(ctx, keyBytesUp, sess.BytesUpstream())
	pipe.IncrBy(ctx, keyBytesDwn, sess.BytesToClient())
	if _, err := pipe.Exec(ctx); err != nil {
		obs.Error("redis.session.close", obs.Fields{"session": sess.ID()}.Err(err))
		obs.ErrorsTotal.WithLabelValues("redis").Inc()
	}
}

func (r *redisStateStore) SessionFailed(sess *relay.Session, err error) {
	r.local.SessionFailed(sess, err)
	ctx, cancel := r.ctx()
	defer cancel()
	if err := r.client.Incr(ctx, keyFailed).Err(); err != nil {
		obs.Error("redis.session.failed", obs.Fields{"session": sess.ID()}.Err(err))
		obs.ErrorsTotal.WithLabelValues("redis").Inc()
	}
}

// getStats reports cluster-wide totals. Active sessions are counted for this
// instance only; counting every instance would need a SCAN.
func (r *redisStateStore) getStats() sessionStats {
	st := r.local.getStats()
	ctx, cancel := r.ctx()
	defer cancel()
	vals, err := r.client.MGet(ctx, keyTotal, keyFailed, keyBytesUp, keyBytesDwn).Result()
	if err != nil {
		obs.Error("redis.stats", obs.Fields{}.Err(err))
		return st
	}
	liveUp, liveDown := r.local.liveBytes()
	st.Total = redisInt(vals[0])
	st.Failed = redisInt(vals[1])
	st.BytesUpstream = redisInt(vals[2]) + liveUp
	st.BytesToClient = redisInt(vals[3]) + liveDown
	return st
}

func redisInt(v any) int64 {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

func (r *redisStateStore) listSessions() []sessionInfo { return r.local.listSessions() }

// startMaintenance keeps the keys of local sessions alive until ctx ends.
func (r *redisStateStore) startMaintenance(ctx context.Context) {
	ticker := time.NewTicker(r.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.heartbeat()
		}
	}
}

// heartbeat extends key TTLs for sessions this instance is relaying.
func (r *redisStateStore) heartbeat() {
	sessions := r.local.listSessions()
	if len(sessions) == 0 {
		return
	}
	ctx, cancel := r.ctx()
	defer cancel()
	pipe := r.client.Pipeline()
	for _, s := range sessions {
		pipe.Expire(ctx, sessionKey(s.ID), r.redisKeyTTL)
		pipe.Expire(ctx, instanceKey(s.ID), r.redisKeyTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		obs.Error("redis.heartbeat", obs.Fields{"sessions": len(sessions)}.Err(err))
	}
}
