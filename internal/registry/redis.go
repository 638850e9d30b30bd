package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const maxWatchRetries = 5

// Redis is a Registry backed by Redis. Codes are claimed with SETNX and
// guardian records are updated under WATCH so concurrent writers never
// interleave.
type Redis struct {
	rdb    *redis.Client
	prefix string
}

// NewRedis wraps an existing client.
func NewRedis(rdb *redis.Client) *Redis {
	return &Redis{rdb: rdb, prefix: "heirloom:"}
}

// DialRedis connects to url and verifies the connection.
func DialRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

func (r *Redis) codeKey(code string) string     { return r.prefix + "code:" + code }
func (r *Redis) guardianKey(code string) string { return r.prefix + "guardian:" + code }

func (r *Redis) ClaimCode(ctx context.Context, code, target string) error {
	ok, err := r.rdb.SetNX(ctx, r.codeKey(code), target, 0).Result()
	if err != nil {
		return fmt.Errorf("claim code: %w", err)
	}
	if !ok {
		return ErrCodeTaken
	}
	return nil
}

func (r *Redis) LookupCode(ctx context.Context, code string) (string, error) {
	target, err := r.rdb.Get(ctx, r.codeKey(code)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("lookup code: %w", err)
	}
	return target, nil
}

func (r *Redis) CreateGuardian(ctx context.Context, rec GuardianRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode guardian: %w", err)
	}
	ok, err := r.rdb.SetNX(ctx, r.guardianKey(rec.Code), data, 0).Result()
	if err != nil {
		return fmt.Errorf("create guardian: %w", err)
	}
	if !ok {
		return ErrCodeTaken
	}
	return nil
}

func (r *Redis) Guardian(ctx context.Context, code string) (GuardianRecord, error) {
	data, err := r.rdb.Get(ctx, r.guardianKey(code)).Bytes()
	if errors.Is(err, redis.Nil) {
		return GuardianRecord{}, ErrNotFound
	}
	if err != nil {
		return GuardianRecord{}, fmt.Errorf("get guardian: %w", err)
	}
	var rec GuardianRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return GuardianRecord{}, fmt.Errorf("decode guardian: %w", err)
	}
	return rec, nil
}

func (r *Redis) TouchGuardian(ctx context.Context, code string, at time.Time) error {
	return r.updateGuardian(ctx, code, func(rec *GuardianRecord) error {
		rec.Touch(at)
		return nil
	})
}

func (r *Redis) StartGrace(ctx context.Context, code string, at time.Time) error {
	return r.updateGuardian(ctx, code, func(rec *GuardianRecord) error {
		rec.BeginGrace(at)
		return nil
	})
}

func (r *Redis) EnableWeeklyRelease(ctx context.Context, code string) error {
	return r.updateGuardian(ctx, code, func(rec *GuardianRecord) error {
		rec.WeeklyReleaseEnabled = true
		return nil
	})
}

func (r *Redis) ConfigureGuardian(ctx context.Context, code string, s GuardianSettings) error {
	return r.updateGuardian(ctx, code, func(rec *GuardianRecord) error {
		rec.Configure(s)
		return nil
	})
}

func (r *Redis) StampWeeklyRelease(ctx context.Context, code string, prev *time.Time, at time.Time) error {
	return r.updateGuardian(ctx, code, func(rec *GuardianRecord) error {
		return rec.Stamp(prev, at)
	})
}

func (r *Redis) updateGuardian(ctx context.Context, code string, fn func(*GuardianRecord) error) error {
	key := r.guardianKey(code)
	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		var rec GuardianRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("decode guardian: %w", err)
		}
		if err := fn(&rec); err != nil {
			return err
		}
		out, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode guardian: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, 0)
			return nil
		})
		return err
	}

	for range maxWatchRetries {
		err := r.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return ErrStale
}
