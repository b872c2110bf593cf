/*-
 * Copyright © 2016-2017, Jörg Pernfuß <code.jpe@gmail.com>
 * Copyright © 2016, 1&1 Internet SE
 * All rights reserved.
 *
 * Use of this source code is governed by a 2-clause BSD license
 * that can be found in the LICENSE file.
 */

// Package store wraps the Redis key-value backend with the operation
// set §6 requires (get/set/setnx/getset/del/sadd/srem/smembers/
// hset/hget/hdel/hsetnx/hexists/hincrby/rpush/lrange/ltrim) plus the
// connection lifecycle hooks that drive §4.9's pause/resume logic.
package store

import (
	"fmt"
	"sync/atomic"

	"github.com/go-redis/redis"
)

// Store is the key-value store client used by every reactor component.
type Store struct {
	client *redis.Client

	connected int32

	onError         func(error)
	beforeReconnect func()
	afterReconnect  func()
}

// Config carries Redis connection settings.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// New dials Redis and installs connection-lifecycle tracking.
func New(cfg Config) *Store {
	s := &Store{}
	s.client = redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	atomic.StoreInt32(&s.connected, 1)
	return s
}

// OnError installs the fatal-error hook (§6, §7 kind 1).
func (s *Store) OnError(f func(error)) { s.onError = f }

// BeforeReconnect installs the pre-reconnect hook (§4.9 pause-on-
// reconnect policy).
func (s *Store) BeforeReconnect(f func()) { s.beforeReconnect = f }

// AfterReconnect installs the post-reconnect hook (§4.9 resume
// policy).
func (s *Store) AfterReconnect(f func()) { s.afterReconnect = f }

// Connected reports the `connected?` predicate of §6.
func (s *Store) Connected() bool { return atomic.LoadInt32(&s.connected) == 1 }

// noteErr passes operation errors through unchanged; connection-state
// transitions are detected by Ping, not by individual command errors,
// since a command can fail for purely logical reasons (WRONGTYPE, a
// missing key) without the connection itself being down.
func (s *Store) noteErr(err error) error {
	if err == redis.Nil {
		return nil
	}
	return err
}

// Ping drives the §4.9 connection lifecycle: call it from a periodic
// health-check timer. A transition from connected to erroring fires
// beforeReconnect/onError; a transition back fires afterReconnect.
func (s *Store) Ping() error {
	err := s.client.Ping().Err()
	if err == nil {
		if atomic.SwapInt32(&s.connected, 1) == 0 && s.afterReconnect != nil {
			s.afterReconnect()
		}
		return nil
	}
	if atomic.SwapInt32(&s.connected, 0) == 1 {
		if s.beforeReconnect != nil {
			s.beforeReconnect()
		}
		if s.onError != nil {
			s.onError(err)
		}
	}
	return err
}

// Get fetches a string value.
func (s *Store) Get(key string) (string, error) {
	v, err := s.client.Get(key).Result()
	if err == redis.Nil {
		return ``, nil
	}
	return v, s.noteErr(err)
}

// Set stores a string value.
func (s *Store) Set(key, value string) error {
	return s.noteErr(s.client.Set(key, value, 0).Err())
}

// SetNX sets a value only if the key is absent, reporting success.
func (s *Store) SetNX(key, value string) (bool, error) {
	ok, err := s.client.SetNX(key, value, 0).Result()
	return ok, s.noteErr(err)
}

// GetSet atomically swaps a value and returns the previous one.
func (s *Store) GetSet(key, value string) (string, error) {
	v, err := s.client.GetSet(key, value).Result()
	if err == redis.Nil {
		return ``, nil
	}
	return v, s.noteErr(err)
}

// Del removes one or more keys.
func (s *Store) Del(keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.noteErr(s.client.Del(keys...).Err())
}

// SAdd adds members to a set.
func (s *Store) SAdd(key string, members ...string) error {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return s.noteErr(s.client.SAdd(key, args...).Err())
}

// SRem removes members from a set.
func (s *Store) SRem(key string, members ...string) error {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return s.noteErr(s.client.SRem(key, args...).Err())
}

// SMembers returns every member of a set.
func (s *Store) SMembers(key string) ([]string, error) {
	v, err := s.client.SMembers(key).Result()
	return v, s.noteErr(err)
}

// HSet sets a hash field.
func (s *Store) HSet(key, field, value string) error {
	return s.noteErr(s.client.HSet(key, field, value).Err())
}

// HGet reads a hash field.
func (s *Store) HGet(key, field string) (string, error) {
	v, err := s.client.HGet(key, field).Result()
	if err == redis.Nil {
		return ``, nil
	}
	return v, s.noteErr(err)
}

// HDel removes hash fields.
func (s *Store) HDel(key string, fields ...string) error {
	return s.noteErr(s.client.HDel(key, fields...).Err())
}

// HSetNX sets a hash field only if it is absent.
func (s *Store) HSetNX(key, field, value string) (bool, error) {
	ok, err := s.client.HSetNX(key, field, value).Result()
	return ok, s.noteErr(err)
}

// HExists reports whether a hash field exists.
func (s *Store) HExists(key, field string) (bool, error) {
	ok, err := s.client.HExists(key, field).Result()
	return ok, s.noteErr(err)
}

// HIncrBy atomically increments a hash field.
func (s *Store) HIncrBy(key, field string, n int64) (int64, error) {
	v, err := s.client.HIncrBy(key, field, n).Result()
	return v, s.noteErr(err)
}

// HGetAll returns every field/value pair of a hash.
func (s *Store) HGetAll(key string) (map[string]string, error) {
	v, err := s.client.HGetAll(key).Result()
	return v, s.noteErr(err)
}

// RPush appends values to a list.
func (s *Store) RPush(key string, values ...string) error {
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	return s.noteErr(s.client.RPush(key, args...).Err())
}

// LRange returns a list range.
func (s *Store) LRange(key string, start, stop int64) ([]string, error) {
	v, err := s.client.LRange(key, start, stop).Result()
	return v, s.noteErr(err)
}

// LTrim trims a list to a range.
func (s *Store) LTrim(key string, start, stop int64) error {
	return s.noteErr(s.client.LTrim(key, start, stop).Err())
}

// EvalAtomicAggregate runs the aggregator's increment in a single Lua
// script, giving the atomic hsetnx+hincrby multi-op §9 recommends
// (Open Question 3, DESIGN.md).
func (s *Store) EvalAtomicAggregate(aggKey, severityField string) error {
	const script = `
local v = redis.call('HSETNX', KEYS[1], ARGV[1], '0')
redis.call('HINCRBY', KEYS[1], ARGV[1], 1)
redis.call('HSETNX', KEYS[1], 'total', '0')
redis.call('HINCRBY', KEYS[1], 'total', 1)
return v
`
	_, err := s.client.Eval(script, []string{aggKey}, severityField).Result()
	if err != nil {
		return fmt.Errorf(`store: aggregate eval: %w`, s.noteErr(err))
	}
	return nil
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	return s.client.Close()
}
