// Copyright (C) 2026 Maestro
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package transport abstracts the message broker used for persona RPC:
// ordered append-only streams with server-assigned IDs and consumer groups
// that deliver each entry at most once per group until acknowledged.
//
// Three drivers implement the contract: redis (Redis streams), local (a
// fully in-process equivalent used by tests and single-binary setups) and
// nats (JetStream).
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/maestrohq/maestro/internal/config"
)

// ErrorKind classifies transport failures so callers can branch without
// driver-specific knowledge.
type ErrorKind string

const (
	KindDisconnected  ErrorKind = "disconnected"
	KindTimeout       ErrorKind = "timeout"
	KindNotFound      ErrorKind = "not_found"
	KindAlreadyExists ErrorKind = "already_exists"
	KindProtocol      ErrorKind = "protocol"
	KindIO            ErrorKind = "io"
)

// Error is the uniform failure type of every transport operation.
type Error struct {
	Kind   ErrorKind
	Op     string
	Stream string
	Err    error
}

func (e *Error) Error() string {
	if e.Stream != "" {
		if e.Err != nil {
			return fmt.Sprintf("transport %s on %s: %s: %v", e.Op, e.Stream, e.Kind, e.Err)
		}
		return fmt.Sprintf("transport %s on %s: %s", e.Op, e.Stream, e.Kind)
	}
	if e.Err != nil {
		return fmt.Sprintf("transport %s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("transport %s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// IsKind reports whether err is a transport Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var te *Error
	return errors.As(err, &te) && te.Kind == kind
}

// IsAlreadyExists reports whether err is the benign duplicate-group error.
func IsAlreadyExists(err error) bool { return IsKind(err, KindAlreadyExists) }

// IsRetriableRead reports whether a blocking read failed in a way the
// enclosing wait loop should simply retry (broker bounce, block expiry).
func IsRetriableRead(err error) bool {
	return IsKind(err, KindTimeout) || IsKind(err, KindDisconnected) || IsKind(err, KindIO)
}

// Message is one stream entry: a broker-assigned ID ("<ms>-<seq>") and a
// flat string field map. Nested values are JSON-encoded by the caller.
type Message struct {
	ID     string
	Fields map[string]string
}

// PendingEntry describes a delivered-but-unacked entry of a consumer group.
type PendingEntry struct {
	ID            string
	Consumer      string
	Idle          time.Duration
	DeliveryCount int64
}

// GroupInfo summarizes one consumer group for diagnostics.
type GroupInfo struct {
	Name            string
	Consumers       int64
	Pending         int64
	LastDeliveredID string
}

// Transport is the broker contract. All methods are safe for concurrent use
// and return *Error on failure. Connect and Disconnect are idempotent.
type Transport interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error

	// XAdd appends fields to a stream and returns the assigned ID. The
	// entry is durable before return. id is "*" for server-assigned.
	XAdd(ctx context.Context, stream, id string, fields map[string]string) (string, error)

	// XGroupCreate creates a consumer group reading from start ("0" for the
	// whole stream, "$" for new entries). With mkStream the stream is
	// created when absent. A duplicate group yields KindAlreadyExists.
	XGroupCreate(ctx context.Context, stream, group, start string, mkStream bool) error

	// XReadGroup reads up to count undelivered entries for (group,
	// consumer), blocking up to block when none are available (0 means
	// non-blocking). An expired block returns (nil, nil), never an error.
	XReadGroup(ctx context.Context, group, consumer, stream string, count int64, block time.Duration) ([]Message, error)

	// XAck acknowledges delivered entries, returning how many were pending.
	XAck(ctx context.Context, stream, group string, ids ...string) (int64, error)

	// XRange returns entries between start and stop inclusive ("-"/"+" for
	// stream edges); count caps the result when positive.
	XRange(ctx context.Context, stream, start, stop string, count int64) ([]Message, error)

	XLen(ctx context.Context, stream string) (int64, error)

	// XPending lists up to count unacked entries of a group.
	XPending(ctx context.Context, stream, group string, count int64) ([]PendingEntry, error)

	// XClaim transfers pending entries idle for at least minIdle to
	// consumer and returns them.
	XClaim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, ids ...string) ([]Message, error)

	// Del removes whole streams, returning how many existed.
	Del(ctx context.Context, streams ...string) (int64, error)

	XInfoGroups(ctx context.Context, stream string) ([]GroupInfo, error)
}

// New builds the driver selected by cfg.Type. The returned transport is not
// yet connected.
func New(cfg *config.TransportConfig) (Transport, error) {
	switch cfg.Type {
	case "redis":
		return NewRedis(cfg.BrokerURL)
	case "local":
		return NewLocal(), nil
	case "nats":
		return NewNATS(cfg.BrokerURL), nil
	default:
		return nil, fmt.Errorf("unknown transport type %q", cfg.Type)
	}
}

func opErr(op, stream string, kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Op: op, Stream: stream, Err: err}
}
