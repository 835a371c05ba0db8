// Copyright (C) 2026 Maestro
// SPDX-License-Identifier: AGPL-3.0-or-later

package transport

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Local is the in-process driver. It mirrors the broker semantics exactly:
// monotonic IDs, group offsets, pending lists, idle-based claims and the
// same error kinds, so tests exercise the identical contract.
type Local struct {
	mu        sync.Mutex
	connected bool
	streams   map[string]*localStream
	notify    chan struct{}
	now       func() time.Time
}

type localStream struct {
	entries []Message
	last    entryID
	groups  map[string]*localGroup
}

type localGroup struct {
	lastDelivered entryID
	pending       map[string]*localPending
}

type localPending struct {
	consumer    string
	deliveredAt time.Time
	deliveries  int64
}

type entryID struct {
	ms  int64
	seq int64
}

func (a entryID) less(b entryID) bool {
	if a.ms != b.ms {
		return a.ms < b.ms
	}
	return a.seq < b.seq
}

func (a entryID) String() string {
	return strconv.FormatInt(a.ms, 10) + "-" + strconv.FormatInt(a.seq, 10)
}

var (
	minEntryID = entryID{ms: -1 << 62, seq: -1 << 62}
	maxEntryID = entryID{ms: 1<<62 - 1, seq: 1<<62 - 1}
)

func parseEntryID(s string) (entryID, error) {
	switch s {
	case "-":
		return minEntryID, nil
	case "+":
		return maxEntryID, nil
	case "0", "$":
		return entryID{}, nil
	}
	msPart, seqPart, found := strings.Cut(s, "-")
	ms, err := strconv.ParseInt(msPart, 10, 64)
	if err != nil {
		return entryID{}, fmt.Errorf("invalid stream ID %q", s)
	}
	if !found {
		return entryID{ms: ms}, nil
	}
	seq, err := strconv.ParseInt(seqPart, 10, 64)
	if err != nil {
		return entryID{}, fmt.Errorf("invalid stream ID %q", s)
	}
	return entryID{ms: ms, seq: seq}, nil
}

// NewLocal returns a disconnected in-process transport.
func NewLocal() *Local {
	return &Local{
		streams: make(map[string]*localStream),
		notify:  make(chan struct{}),
		now:     time.Now,
	}
}

func (l *Local) Connect(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.connected = true
	return nil
}

func (l *Local) Disconnect(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.connected {
		return nil
	}
	l.connected = false
	l.wakeLocked()
	return nil
}

// wakeLocked releases every blocked reader. Callers hold l.mu.
func (l *Local) wakeLocked() {
	close(l.notify)
	l.notify = make(chan struct{})
}

func (l *Local) checkConnectedLocked(op, stream string) error {
	if !l.connected {
		return opErr(op, stream, KindDisconnected, nil)
	}
	return nil
}

func (l *Local) XAdd(ctx context.Context, stream, id string, fields map[string]string) (string, error) {
	if len(fields) == 0 {
		return "", opErr("xadd", stream, KindProtocol, fmt.Errorf("fields must not be empty"))
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.checkConnectedLocked("xadd", stream); err != nil {
		return "", err
	}

	s := l.streams[stream]
	if s == nil {
		s = &localStream{groups: make(map[string]*localGroup)}
		l.streams[stream] = s
	}

	var next entryID
	if id == "" || id == "*" {
		next = entryID{ms: l.now().UnixMilli()}
		if !s.last.less(next) {
			next = entryID{ms: s.last.ms, seq: s.last.seq + 1}
		}
	} else {
		parsed, err := parseEntryID(id)
		if err != nil {
			return "", opErr("xadd", stream, KindProtocol, err)
		}
		if !s.last.less(parsed) {
			return "", opErr("xadd", stream, KindProtocol,
				fmt.Errorf("ID %s is not greater than last ID %s", id, s.last))
		}
		next = parsed
	}

	copied := make(map[string]string, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	s.entries = append(s.entries, Message{ID: next.String(), Fields: copied})
	s.last = next
	l.wakeLocked()
	return next.String(), nil
}

func (l *Local) XGroupCreate(ctx context.Context, stream, group, start string, mkStream bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.checkConnectedLocked("xgroup-create", stream); err != nil {
		return err
	}

	s := l.streams[stream]
	if s == nil {
		if !mkStream {
			return opErr("xgroup-create", stream, KindNotFound, fmt.Errorf("stream does not exist"))
		}
		s = &localStream{groups: make(map[string]*localGroup)}
		l.streams[stream] = s
	}
	if _, exists := s.groups[group]; exists {
		return opErr("xgroup-create", stream, KindAlreadyExists, fmt.Errorf("group %q", group))
	}

	g := &localGroup{pending: make(map[string]*localPending)}
	switch start {
	case "$":
		g.lastDelivered = s.last
	default:
		parsed, err := parseEntryID(start)
		if err != nil {
			return opErr("xgroup-create", stream, KindProtocol, err)
		}
		g.lastDelivered = parsed
	}
	s.groups[group] = g
	return nil
}

func (l *Local) XReadGroup(ctx context.Context, group, consumer, stream string, count int64, block time.Duration) ([]Message, error) {
	var deadline time.Time
	if block > 0 {
		deadline = l.now().Add(block)
	}

	for {
		l.mu.Lock()
		if err := l.checkConnectedLocked("xreadgroup", stream); err != nil {
			l.mu.Unlock()
			return nil, err
		}
		s := l.streams[stream]
		var g *localGroup
		if s != nil {
			g = s.groups[group]
		}
		if g == nil {
			l.mu.Unlock()
			return nil, opErr("xreadgroup", stream, KindNotFound,
				fmt.Errorf("consumer group %q does not exist", group))
		}

		msgs := l.deliverLocked(s, g, consumer, count)
		notify := l.notify
		l.mu.Unlock()

		if len(msgs) > 0 {
			return msgs, nil
		}
		if block <= 0 {
			return nil, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}

		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, opErr("xreadgroup", stream, KindTimeout, ctx.Err())
		case <-notify:
			timer.Stop()
		case <-timer.C:
			return nil, nil
		}
	}
}

// deliverLocked hands undelivered entries to a consumer and records them as
// pending. Callers hold l.mu.
func (l *Local) deliverLocked(s *localStream, g *localGroup, consumer string, count int64) []Message {
	var out []Message
	for _, e := range s.entries {
		id, _ := parseEntryID(e.ID)
		if !g.lastDelivered.less(id) {
			continue
		}
		out = append(out, copyMessage(e))
		g.lastDelivered = id
		g.pending[e.ID] = &localPending{
			consumer:    consumer,
			deliveredAt: l.now(),
			deliveries:  1,
		}
		if count > 0 && int64(len(out)) >= count {
			break
		}
	}
	return out
}

func (l *Local) XAck(ctx context.Context, stream, group string, ids ...string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.checkConnectedLocked("xack", stream); err != nil {
		return 0, err
	}
	s := l.streams[stream]
	if s == nil {
		return 0, nil
	}
	g := s.groups[group]
	if g == nil {
		return 0, nil
	}
	var acked int64
	for _, id := range ids {
		if _, ok := g.pending[id]; ok {
			delete(g.pending, id)
			acked++
		}
	}
	return acked, nil
}

func (l *Local) XRange(ctx context.Context, stream, start, stop string, count int64) ([]Message, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.checkConnectedLocked("xrange", stream); err != nil {
		return nil, err
	}
	s := l.streams[stream]
	if s == nil {
		return nil, nil
	}
	lo, err := parseEntryID(start)
	if err != nil {
		return nil, opErr("xrange", stream, KindProtocol, err)
	}
	hi, err := parseEntryID(stop)
	if err != nil {
		return nil, opErr("xrange", stream, KindProtocol, err)
	}

	var out []Message
	for _, e := range s.entries {
		id, _ := parseEntryID(e.ID)
		if id.less(lo) || hi.less(id) {
			continue
		}
		out = append(out, copyMessage(e))
		if count > 0 && int64(len(out)) >= count {
			break
		}
	}
	return out, nil
}

func (l *Local) XLen(ctx context.Context, stream string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.checkConnectedLocked("xlen", stream); err != nil {
		return 0, err
	}
	s := l.streams[stream]
	if s == nil {
		return 0, nil
	}
	return int64(len(s.entries)), nil
}

func (l *Local) XPending(ctx context.Context, stream, group string, count int64) ([]PendingEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.checkConnectedLocked("xpending", stream); err != nil {
		return nil, err
	}
	g, err := l.groupLocked("xpending", stream, group)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(g.pending))
	for id := range g.pending {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, _ := parseEntryID(ids[i])
		b, _ := parseEntryID(ids[j])
		return a.less(b)
	})

	now := l.now()
	var out []PendingEntry
	for _, id := range ids {
		p := g.pending[id]
		out = append(out, PendingEntry{
			ID:            id,
			Consumer:      p.consumer,
			Idle:          now.Sub(p.deliveredAt),
			DeliveryCount: p.deliveries,
		})
		if count > 0 && int64(len(out)) >= count {
			break
		}
	}
	return out, nil
}

func (l *Local) XClaim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, ids ...string) ([]Message, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.checkConnectedLocked("xclaim", stream); err != nil {
		return nil, err
	}
	g, err := l.groupLocked("xclaim", stream, group)
	if err != nil {
		return nil, err
	}
	s := l.streams[stream]

	now := l.now()
	var out []Message
	for _, id := range ids {
		p, ok := g.pending[id]
		if !ok || now.Sub(p.deliveredAt) < minIdle {
			continue
		}
		p.consumer = consumer
		p.deliveredAt = now
		p.deliveries++
		for _, e := range s.entries {
			if e.ID == id {
				out = append(out, copyMessage(e))
				break
			}
		}
	}
	return out, nil
}

func (l *Local) Del(ctx context.Context, streams ...string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.checkConnectedLocked("del", ""); err != nil {
		return 0, err
	}
	var removed int64
	for _, name := range streams {
		if _, ok := l.streams[name]; ok {
			delete(l.streams, name)
			removed++
		}
	}
	return removed, nil
}

func (l *Local) XInfoGroups(ctx context.Context, stream string) ([]GroupInfo, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.checkConnectedLocked("xinfo-groups", stream); err != nil {
		return nil, err
	}
	s := l.streams[stream]
	if s == nil {
		return nil, opErr("xinfo-groups", stream, KindNotFound, fmt.Errorf("no such stream"))
	}

	names := make([]string, 0, len(s.groups))
	for name := range s.groups {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]GroupInfo, 0, len(names))
	for _, name := range names {
		g := s.groups[name]
		consumers := make(map[string]struct{})
		for _, p := range g.pending {
			consumers[p.consumer] = struct{}{}
		}
		out = append(out, GroupInfo{
			Name:            name,
			Consumers:       int64(len(consumers)),
			Pending:         int64(len(g.pending)),
			LastDeliveredID: g.lastDelivered.String(),
		})
	}
	return out, nil
}

func (l *Local) groupLocked(op, stream, group string) (*localGroup, error) {
	s := l.streams[stream]
	if s == nil {
		return nil, opErr(op, stream, KindNotFound, fmt.Errorf("no such stream"))
	}
	g := s.groups[group]
	if g == nil {
		return nil, opErr(op, stream, KindNotFound, fmt.Errorf("consumer group %q does not exist", group))
	}
	return g, nil
}

func copyMessage(m Message) Message {
	fields := make(map[string]string, len(m.Fields))
	for k, v := range m.Fields {
		fields[k] = v
	}
	return Message{ID: m.ID, Fields: fields}
}
