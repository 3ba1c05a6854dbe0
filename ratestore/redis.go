package ratestore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/policyd-ratelimit/policyd/mlog"
)

// redisStore keeps the windows of a sender in a single hash, with fields
// "<rate>:quota", "<rate>:used" and "<rate>:rdate" (unix time). Updates use
// optimistic transactions, a concurrent change of the hash fails the update with
// ErrConflict.
type redisStore struct {
	client *redis.Client
	prefix string
	log    mlog.Log
}

func openRedis(ctx context.Context, log mlog.Log, dsn string, opts Options) (*redisStore, error) {
	ropts, err := redis.ParseURL(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	ropts.PoolSize = opts.PoolSize
	client := redis.NewClient(ropts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = "policyd"
	}
	log.Debug("opened redis database", slog.String("addr", ropts.Addr), slog.String("prefix", prefix))
	return &redisStore{client, prefix, log}, nil
}

func (r *redisStore) key(username string) string {
	return r.prefix + ":" + username
}

// parseHash returns the states in hash fields m, ordered by period.
func parseHash(username string, m map[string]string) ([]State, error) {
	byPeriod := map[uint32]*State{}
	for k, v := range m {
		ps, field, ok := strings.Cut(k, ":")
		if !ok {
			continue
		}
		p, err := strconv.ParseUint(ps, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("parsing period of field %q: %w", k, err)
		}
		s := byPeriod[uint32(p)]
		if s == nil {
			s = &State{Username: username, Period: uint32(p)}
			byPeriod[uint32(p)] = s
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parsing value of field %q: %w", k, err)
		}
		switch field {
		case "quota":
			s.Quota = uint32(n)
		case "used":
			s.Used = uint32(n)
		case "rdate":
			s.WindowStart = time.Unix(n, 0).UTC()
		}
	}
	l := make([]State, 0, len(byPeriod))
	for _, s := range byPeriod {
		l = append(l, *s)
	}
	sort.Slice(l, func(i, j int) bool {
		return l[i].Period < l[j].Period
	})
	return l, nil
}

func hashFields(s State) []any {
	p := strconv.FormatUint(uint64(s.Period), 10)
	return []any{
		p + ":quota", s.Quota,
		p + ":used", s.Used,
		p + ":rdate", s.WindowStart.Unix(),
	}
}

func (r *redisStore) conflict(err error) error {
	if errors.Is(err, redis.TxFailedErr) {
		return fmt.Errorf("%w: %w", ErrConflict, err)
	}
	return err
}

func (r *redisStore) Update(ctx context.Context, username string, windows []Window, now time.Time, fn UpdateFunc) error {
	key := r.key(username)
	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		m, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return fmt.Errorf("loading windows: %w", err)
		}
		stored, err := parseHash(username, m)
		if err != nil {
			return err
		}
		states, missing := load(username, windows, stored, now)
		if len(missing) > 0 {
			r.log.Debug("creating windows", slog.String("username", username), slog.Int("count", len(missing)))
		}
		nstates, err := apply(windows, states, now, fn)
		if err != nil {
			return err
		}
		var values []any
		for _, s := range nstates {
			values = append(values, hashFields(s)...)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, values...)
			return nil
		})
		return err
	}, key)
	return r.conflict(err)
}

func (r *redisStore) List(ctx context.Context, username string) ([]State, error) {
	m, err := r.client.HGetAll(ctx, r.key(username)).Result()
	if err != nil {
		return nil, err
	}
	return parseHash(username, m)
}

func (r *redisStore) Reset(ctx context.Context, username string, now time.Time) (n int, rerr error) {
	key := r.key(username)
	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		m, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		stored, err := parseHash(username, m)
		if err != nil || len(stored) == 0 {
			return err
		}
		var values []any
		for _, s := range stored {
			s.Used = 0
			s.WindowStart = now
			values = append(values, hashFields(s)...)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, values...)
			return nil
		})
		n = len(stored)
		return err
	}, key)
	if err != nil {
		return 0, r.conflict(err)
	}
	return n, nil
}

func (r *redisStore) Close() error {
	return r.client.Close()
}
