// Copyright (C) 2026 Maestro
// SPDX-License-Identifier: AGPL-3.0-or-later

package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis drives a Redis-streams broker through go-redis. One value is shared
// by every step of a workflow; go-redis pools connections underneath.
type Redis struct {
	opts *redis.Options

	mu     sync.Mutex
	client *redis.Client
}

// NewRedis parses the broker URL (redis://host:port/db) without connecting.
func NewRedis(brokerURL string) (*Redis, error) {
	opts, err := redis.ParseURL(brokerURL)
	if err != nil {
		return nil, fmt.Errorf("parse broker URL: %w", err)
	}
	return &Redis{opts: opts}, nil
}

// NewRedisFromClient wraps an existing client. Tests hand in a client bound
// to miniredis this way.
func NewRedisFromClient(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func (r *Redis) Connect(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client == nil {
		r.client = redis.NewClient(r.opts)
	}
	if err := r.client.Ping(ctx).Err(); err != nil {
		return r.wrap("connect", "", err)
	}
	return nil
}

func (r *Redis) Disconnect(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client == nil {
		return nil
	}
	err := r.client.Close()
	r.client = nil
	if err != nil && !errors.Is(err, redis.ErrClosed) {
		return r.wrap("disconnect", "", err)
	}
	return nil
}

func (r *Redis) handle() (*redis.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client == nil {
		return nil, opErr("handle", "", KindDisconnected, fmt.Errorf("not connected"))
	}
	return r.client, nil
}

func (r *Redis) XAdd(ctx context.Context, stream, id string, fields map[string]string) (string, error) {
	if len(fields) == 0 {
		return "", opErr("xadd", stream, KindProtocol, fmt.Errorf("fields must not be empty"))
	}
	client, err := r.handle()
	if err != nil {
		return "", err
	}
	values := make(map[string]any, len(fields))
	for k, v := range fields {
		values[k] = v
	}
	if id == "" {
		id = "*"
	}
	assigned, err := client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		ID:     id,
		Values: values,
	}).Result()
	if err != nil {
		return "", r.wrap("xadd", stream, err)
	}
	return assigned, nil
}

func (r *Redis) XGroupCreate(ctx context.Context, stream, group, start string, mkStream bool) error {
	client, err := r.handle()
	if err != nil {
		return err
	}
	var cmdErr error
	if mkStream {
		cmdErr = client.XGroupCreateMkStream(ctx, stream, group, start).Err()
	} else {
		cmdErr = client.XGroupCreate(ctx, stream, group, start).Err()
	}
	if cmdErr != nil {
		return r.wrap("xgroup-create", stream, cmdErr)
	}
	return nil
}

func (r *Redis) XReadGroup(ctx context.Context, group, consumer, stream string, count int64, block time.Duration) ([]Message, error) {
	client, err := r.handle()
	if err != nil {
		return nil, err
	}
	args := &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		// Negative means non-blocking in go-redis; 0 would block forever.
		Block: -1,
	}
	if block > 0 {
		args.Block = block
	}
	res, err := client.XReadGroup(ctx, args).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil // block expired with nothing to read
		}
		return nil, r.wrap("xreadgroup", stream, err)
	}
	var out []Message
	for _, xs := range res {
		if xs.Stream != stream {
			continue
		}
		for _, m := range xs.Messages {
			out = append(out, Message{ID: m.ID, Fields: stringFields(m.Values)})
		}
	}
	return out, nil
}

func (r *Redis) XAck(ctx context.Context, stream, group string, ids ...string) (int64, error) {
	client, err := r.handle()
	if err != nil {
		return 0, err
	}
	n, err := client.XAck(ctx, stream, group, ids...).Result()
	if err != nil {
		return 0, r.wrap("xack", stream, err)
	}
	return n, nil
}

func (r *Redis) XRange(ctx context.Context, stream, start, stop string, count int64) ([]Message, error) {
	client, err := r.handle()
	if err != nil {
		return nil, err
	}
	var msgs []redis.XMessage
	if count > 0 {
		msgs, err = client.XRangeN(ctx, stream, start, stop, count).Result()
	} else {
		msgs, err = client.XRange(ctx, stream, start, stop).Result()
	}
	if err != nil {
		return nil, r.wrap("xrange", stream, err)
	}
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, Message{ID: m.ID, Fields: stringFields(m.Values)})
	}
	return out, nil
}

func (r *Redis) XLen(ctx context.Context, stream string) (int64, error) {
	client, err := r.handle()
	if err != nil {
		return 0, err
	}
	n, err := client.XLen(ctx, stream).Result()
	if err != nil {
		return 0, r.wrap("xlen", stream, err)
	}
	return n, nil
}

func (r *Redis) XPending(ctx context.Context, stream, group string, count int64) ([]PendingEntry, error) {
	client, err := r.handle()
	if err != nil {
		return nil, err
	}
	if count <= 0 {
		count = 100
	}
	entries, err := client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  group,
		Start:  "-",
		End:    "+",
		Count:  count,
	}).Result()
	if err != nil {
		return nil, r.wrap("xpending", stream, err)
	}
	out := make([]PendingEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, PendingEntry{
			ID:            e.ID,
			Consumer:      e.Consumer,
			Idle:          e.Idle,
			DeliveryCount: e.RetryCount,
		})
	}
	return out, nil
}

func (r *Redis) XClaim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, ids ...string) ([]Message, error) {
	client, err := r.handle()
	if err != nil {
		return nil, err
	}
	msgs, err := client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, r.wrap("xclaim", stream, err)
	}
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, Message{ID: m.ID, Fields: stringFields(m.Values)})
	}
	return out, nil
}

func (r *Redis) Del(ctx context.Context, streams ...string) (int64, error) {
	client, err := r.handle()
	if err != nil {
		return 0, err
	}
	n, err := client.Del(ctx, streams...).Result()
	if err != nil {
		return 0, r.wrap("del", "", err)
	}
	return n, nil
}

func (r *Redis) XInfoGroups(ctx context.Context, stream string) ([]GroupInfo, error) {
	client, err := r.handle()
	if err != nil {
		return nil, err
	}
	groups, err := client.XInfoGroups(ctx, stream).Result()
	if err != nil {
		return nil, r.wrap("xinfo-groups", stream, err)
	}
	out := make([]GroupInfo, 0, len(groups))
	for _, g := range groups {
		out = append(out, GroupInfo{
			Name:            g.Name,
			Consumers:       g.Consumers,
			Pending:         g.Pending,
			LastDeliveredID: g.LastDeliveredID,
		})
	}
	return out, nil
}

// wrap maps go-redis failures onto transport error kinds.
func (r *Redis) wrap(op, stream string, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return opErr(op, stream, KindTimeout, err)
	case errors.Is(err, redis.ErrClosed):
		return opErr(op, stream, KindDisconnected, err)
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "BUSYGROUP"):
		return opErr(op, stream, KindAlreadyExists, err)
	case strings.Contains(msg, "NOGROUP"),
		strings.Contains(msg, "no such key"),
		strings.Contains(msg, "requires the key to exist"):
		return opErr(op, stream, KindNotFound, err)
	case strings.Contains(msg, "connection refused"):
		return opErr(op, stream, KindDisconnected, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return opErr(op, stream, KindTimeout, err)
		}
		return opErr(op, stream, KindIO, err)
	}
	return opErr(op, stream, KindIO, err)
}

func stringFields(values map[string]any) map[string]string {
	fields := make(map[string]string, len(values))
	for k, v := range values {
		switch s := v.(type) {
		case string:
			fields[k] = s
		default:
			fields[k] = fmt.Sprint(v)
		}
	}
	return fields
}
