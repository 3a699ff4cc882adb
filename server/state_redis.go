// Copyright 2026 The CryMatch Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Stream entries carry the serialized payload under a single field.
const redisStreamDataField = "data"

// RedisState is the Redis-backed State used whenever the Director and
// Matchmakers run as separate processes. Streams map onto Redis streams
// (XADD/XRANGE/XDEL) without consumer groups: the Director owns all
// assignment logic so no ack/claim is needed. Batched operations go through
// a single pipeline round-trip.
type RedisState struct {
	logger *zap.Logger
	client *redis.Client
}

// NewRedisState connects to Redis using the configured connection string and
// verifies the connection with a ping.
func NewRedisState(ctx context.Context, logger *zap.Logger, options string) (*RedisState, error) {
	opts, err := redis.ParseURL(options)
	if err != nil {
		return nil, fmt.Errorf("invalid redis configuration options: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &RedisState{
		logger: logger,
		client: client,
	}, nil
}

// Close releases the underlying connection pool.
func (s *RedisState) Close() error {
	return s.client.Close()
}

func (s *RedisState) GetString(ctx context.Context, key string) (string, error) {
	value, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return value, err
}

func (s *RedisState) SetString(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.client.Set(ctx, key, value, ttl).Err()
}

func (s *RedisState) StreamAdd(ctx context.Context, key string, data []byte) (string, error) {
	return s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		Values: map[string]interface{}{redisStreamDataField: data},
	}).Result()
}

func (s *RedisState) StreamAddBatch(ctx context.Context, key string, datas [][]byte) ([]string, error) {
	cmds := make([]*redis.StringCmd, len(datas))
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, data := range datas {
			cmds[i] = pipe.XAdd(ctx, &redis.XAddArgs{
				Stream: key,
				Values: map[string]interface{}{redisStreamDataField: data},
			})
		}
		return nil
	})
	ids := make([]string, len(datas))
	for i, cmd := range cmds {
		if cmdErr := cmd.Err(); cmdErr != nil {
			// Failure is reported per entry, the id stays empty.
			continue
		}
		ids[i] = cmd.Val()
	}
	return ids, err
}

func (s *RedisState) StreamRead(ctx context.Context, key string, maxCount int64) ([]StreamMessage, error) {
	var entries []redis.XMessage
	var err error
	if maxCount > 0 {
		entries, err = s.client.XRangeN(ctx, key, "-", "+", maxCount).Result()
	} else {
		entries, err = s.client.XRange(ctx, key, "-", "+").Result()
	}
	if err != nil {
		return nil, err
	}
	messages := make([]StreamMessage, 0, len(entries))
	for _, entry := range entries {
		raw, ok := entry.Values[redisStreamDataField]
		if !ok {
			s.logger.Warn("Stream entry missing data field", zap.String("key", key), zap.String("id", entry.ID))
			continue
		}
		str, ok := raw.(string)
		if !ok {
			s.logger.Warn("Stream entry data field has unexpected type", zap.String("key", key), zap.String("id", entry.ID))
			continue
		}
		messages = append(messages, StreamMessage{ID: entry.ID, Data: []byte(str)})
	}
	return messages, nil
}

func (s *RedisState) StreamDelete(ctx context.Context, key string) error {
	return s.client.Del(ctx, key).Err()
}

func (s *RedisState) StreamDeleteMessages(ctx context.Context, key string, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	return s.client.XDel(ctx, key, ids...).Result()
}

func (s *RedisState) SetAdd(ctx context.Context, key, member string) (bool, error) {
	added, err := s.client.SAdd(ctx, key, member).Result()
	return added == 1, err
}

func (s *RedisState) SetAddBatch(ctx context.Context, key string, members []string) ([]bool, error) {
	cmds := make([]*redis.IntCmd, len(members))
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, member := range members {
			cmds[i] = pipe.SAdd(ctx, key, member)
		}
		return nil
	})
	results := make([]bool, len(members))
	for i, cmd := range cmds {
		if cmd.Err() != nil {
			continue
		}
		results[i] = cmd.Val() == 1
	}
	return results, err
}

func (s *RedisState) SetRemove(ctx context.Context, key, member string) (bool, error) {
	removed, err := s.client.SRem(ctx, key, member).Result()
	return removed == 1, err
}

func (s *RedisState) SetRemoveBatch(ctx context.Context, key string, members []string) ([]bool, error) {
	cmds := make([]*redis.IntCmd, len(members))
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, member := range members {
			cmds[i] = pipe.SRem(ctx, key, member)
		}
		return nil
	})
	results := make([]bool, len(members))
	for i, cmd := range cmds {
		if cmd.Err() != nil {
			continue
		}
		results[i] = cmd.Val() == 1
	}
	return results, err
}

func (s *RedisState) SetContains(ctx context.Context, key, member string) (bool, error) {
	return s.client.SIsMember(ctx, key, member).Result()
}

func (s *RedisState) SetContainsBatch(ctx context.Context, key string, members []string) ([]bool, error) {
	if len(members) == 0 {
		return nil, nil
	}
	values := make([]interface{}, len(members))
	for i, member := range members {
		values[i] = member
	}
	return s.client.SMIsMember(ctx, key, values...).Result()
}

func (s *RedisState) GetSetValues(ctx context.Context, key string) ([]string, error) {
	return s.client.SMembers(ctx, key).Result()
}

func (s *RedisState) KeyDelete(ctx context.Context, key string) error {
	return s.client.Del(ctx, key).Err()
}

func (s *RedisState) KeyType(ctx context.Context, key string) (KeyType, error) {
	keyType, err := s.client.Type(ctx, key).Result()
	if err != nil {
		return KeyTypeNone, err
	}
	switch keyType {
	case "string":
		return KeyTypeString, nil
	case "stream":
		return KeyTypeStream, nil
	case "set":
		return KeyTypeSet, nil
	case "none":
		return KeyTypeNone, nil
	default:
		return KeyTypeNone, fmt.Errorf("unsupported redis key type %q", keyType)
	}
}
