// Copyright (C) 2026 Maestro
// SPDX-License-Identifier: AGPL-3.0-or-later

package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NATS drives a JetStream broker. Each stream key maps to one JetStream
// stream (key "agent.requests" becomes stream "agent-requests" with the key
// as its only subject); consumer groups map to durable pull consumers.
//
// XClaim is not supported here: JetStream redelivers unacked messages after
// AckWait on its own, so explicit claim has no equivalent. Calls return a
// protocol-kind error.
type NATS struct {
	url string

	mu      sync.Mutex
	nc      *nats.Conn
	js      jetstream.JetStream
	pending map[string]map[string]*natsPending // group -> entry ID -> delivery
}

type natsPending struct {
	msg         jetstream.Msg
	consumer    string
	deliveredAt time.Time
	deliveries  int64
}

const natsAckWait = 30 * time.Second

// NewNATS returns a disconnected JetStream transport for the given URL
// (nats://host:4222).
func NewNATS(url string) *NATS {
	return &NATS{
		url:     url,
		pending: make(map[string]map[string]*natsPending),
	}
}

func (n *NATS) Connect(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.nc != nil && n.nc.IsConnected() {
		return nil
	}
	nc, err := nats.Connect(n.url)
	if err != nil {
		return opErr("connect", "", KindDisconnected, err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return opErr("connect", "", KindProtocol, err)
	}
	n.nc = nc
	n.js = js
	return nil
}

func (n *NATS) Disconnect(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.nc == nil {
		return nil
	}
	n.nc.Close()
	n.nc = nil
	n.js = nil
	n.pending = make(map[string]map[string]*natsPending)
	return nil
}

func (n *NATS) handle() (jetstream.JetStream, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.js == nil {
		return nil, opErr("handle", "", KindDisconnected, fmt.Errorf("not connected"))
	}
	return n.js, nil
}

// jsName converts a stream key or group name into a JetStream-legal name
// (dots and wildcards are forbidden there).
func jsName(key string) string {
	r := strings.NewReplacer(".", "-", "*", "-", ">", "-", "/", "-", " ", "-", ":", "-")
	return r.Replace(key)
}

func entrySeq(id string) (uint64, error) {
	msPart, _, _ := strings.Cut(id, "-")
	return strconv.ParseUint(msPart, 10, 64)
}

func (n *NATS) ensureStream(ctx context.Context, js jetstream.JetStream, stream string) (jetstream.Stream, error) {
	return js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     jsName(stream),
		Subjects: []string{stream},
	})
}

func (n *NATS) XAdd(ctx context.Context, stream, id string, fields map[string]string) (string, error) {
	if len(fields) == 0 {
		return "", opErr("xadd", stream, KindProtocol, fmt.Errorf("fields must not be empty"))
	}
	if id != "" && id != "*" {
		return "", opErr("xadd", stream, KindProtocol, fmt.Errorf("explicit IDs are not supported by the nats driver"))
	}
	js, err := n.handle()
	if err != nil {
		return "", err
	}
	if _, err := n.ensureStream(ctx, js, stream); err != nil {
		return "", n.wrap("xadd", stream, err)
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return "", opErr("xadd", stream, KindProtocol, err)
	}
	ack, err := js.Publish(ctx, stream, data)
	if err != nil {
		return "", n.wrap("xadd", stream, err)
	}
	return fmt.Sprintf("%d-0", ack.Sequence), nil
}

func (n *NATS) XGroupCreate(ctx context.Context, stream, group, start string, mkStream bool) error {
	js, err := n.handle()
	if err != nil {
		return err
	}

	var s jetstream.Stream
	if mkStream {
		s, err = n.ensureStream(ctx, js, stream)
	} else {
		s, err = js.Stream(ctx, jsName(stream))
	}
	if err != nil {
		return n.wrap("xgroup-create", stream, err)
	}

	deliver := jetstream.DeliverAllPolicy
	if start == "$" {
		deliver = jetstream.DeliverNewPolicy
	}
	_, err = s.CreateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       jsName(group),
		FilterSubject: stream,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       natsAckWait,
		DeliverPolicy: deliver,
	})
	if err != nil {
		return n.wrap("xgroup-create", stream, err)
	}
	return nil
}

func (n *NATS) XReadGroup(ctx context.Context, group, consumer, stream string, count int64, block time.Duration) ([]Message, error) {
	js, err := n.handle()
	if err != nil {
		return nil, err
	}
	cons, err := js.Consumer(ctx, jsName(stream), jsName(group))
	if err != nil {
		return nil, n.wrap("xreadgroup", stream, err)
	}
	if count <= 0 {
		count = 16
	}

	var batch jetstream.MessageBatch
	if block > 0 {
		batch, err = cons.Fetch(int(count), jetstream.FetchMaxWait(block))
	} else {
		batch, err = cons.FetchNoWait(int(count))
	}
	if err != nil {
		return nil, n.wrap("xreadgroup", stream, err)
	}

	var out []Message
	now := time.Now()
	for msg := range batch.Messages() {
		meta, err := msg.Metadata()
		if err != nil {
			continue
		}
		id := fmt.Sprintf("%d-0", meta.Sequence.Stream)
		var fields map[string]string
		if err := json.Unmarshal(msg.Data(), &fields); err != nil {
			fields = map[string]string{"data": string(msg.Data())}
		}
		out = append(out, Message{ID: id, Fields: fields})

		n.mu.Lock()
		byID := n.pending[group]
		if byID == nil {
			byID = make(map[string]*natsPending)
			n.pending[group] = byID
		}
		byID[id] = &natsPending{
			msg:         msg,
			consumer:    consumer,
			deliveredAt: now,
			deliveries:  int64(meta.NumDelivered),
		}
		n.mu.Unlock()
	}
	if batch.Error() != nil && !errors.Is(batch.Error(), nats.ErrTimeout) {
		return out, n.wrap("xreadgroup", stream, batch.Error())
	}
	return out, nil
}

func (n *NATS) XAck(ctx context.Context, stream, group string, ids ...string) (int64, error) {
	if _, err := n.handle(); err != nil {
		return 0, err
	}
	var acked int64
	for _, id := range ids {
		n.mu.Lock()
		p := n.pending[group][id]
		if p != nil {
			delete(n.pending[group], id)
		}
		n.mu.Unlock()
		if p == nil {
			continue
		}
		if err := p.msg.Ack(); err != nil {
			return acked, n.wrap("xack", stream, err)
		}
		acked++
	}
	return acked, nil
}

func (n *NATS) XRange(ctx context.Context, stream, start, stop string, count int64) ([]Message, error) {
	js, err := n.handle()
	if err != nil {
		return nil, err
	}
	s, err := js.Stream(ctx, jsName(stream))
	if err != nil {
		return nil, n.wrap("xrange", stream, err)
	}
	info, err := s.Info(ctx)
	if err != nil {
		return nil, n.wrap("xrange", stream, err)
	}

	first, last := info.State.FirstSeq, info.State.LastSeq
	if start != "-" {
		if seq, err := entrySeq(start); err == nil && seq > first {
			first = seq
		}
	}
	if stop != "+" {
		if seq, err := entrySeq(stop); err == nil && seq < last {
			last = seq
		}
	}

	var out []Message
	for seq := first; seq <= last && last > 0; seq++ {
		raw, err := s.GetMsg(ctx, seq)
		if err != nil {
			continue // deleted or purged entry
		}
		var fields map[string]string
		if err := json.Unmarshal(raw.Data, &fields); err != nil {
			fields = map[string]string{"data": string(raw.Data)}
		}
		out = append(out, Message{ID: fmt.Sprintf("%d-0", raw.Sequence), Fields: fields})
		if count > 0 && int64(len(out)) >= count {
			break
		}
	}
	return out, nil
}

func (n *NATS) XLen(ctx context.Context, stream string) (int64, error) {
	js, err := n.handle()
	if err != nil {
		return 0, err
	}
	s, err := js.Stream(ctx, jsName(stream))
	if err != nil {
		return 0, n.wrap("xlen", stream, err)
	}
	info, err := s.Info(ctx)
	if err != nil {
		return 0, n.wrap("xlen", stream, err)
	}
	return int64(info.State.Msgs), nil
}

func (n *NATS) XPending(ctx context.Context, stream, group string, count int64) ([]PendingEntry, error) {
	if _, err := n.handle(); err != nil {
		return nil, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	now := time.Now()
	var out []PendingEntry
	for id, p := range n.pending[group] {
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

func (n *NATS) XClaim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, ids ...string) ([]Message, error) {
	return nil, opErr("xclaim", stream, KindProtocol,
		fmt.Errorf("xclaim is not supported by the nats driver; JetStream redelivers after AckWait"))
}

func (n *NATS) Del(ctx context.Context, streams ...string) (int64, error) {
	js, err := n.handle()
	if err != nil {
		return 0, err
	}
	var removed int64
	for _, stream := range streams {
		if err := js.DeleteStream(ctx, jsName(stream)); err != nil {
			if errors.Is(err, jetstream.ErrStreamNotFound) {
				continue
			}
			return removed, n.wrap("del", stream, err)
		}
		removed++
	}
	return removed, nil
}

func (n *NATS) XInfoGroups(ctx context.Context, stream string) ([]GroupInfo, error) {
	js, err := n.handle()
	if err != nil {
		return nil, err
	}
	s, err := js.Stream(ctx, jsName(stream))
	if err != nil {
		return nil, n.wrap("xinfo-groups", stream, err)
	}

	var out []GroupInfo
	lister := s.ListConsumers(ctx)
	for info := range lister.Info() {
		out = append(out, GroupInfo{
			Name:            info.Name,
			Consumers:       1, // durable pull consumers are shared handles
			Pending:         int64(info.NumAckPending),
			LastDeliveredID: fmt.Sprintf("%d-0", info.Delivered.Stream),
		})
	}
	if lister.Err() != nil && !errors.Is(lister.Err(), jetstream.ErrEndOfData) {
		return out, n.wrap("xinfo-groups", stream, lister.Err())
	}
	return out, nil
}

func (n *NATS) wrap(op, stream string, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled),
		errors.Is(err, nats.ErrTimeout):
		return opErr(op, stream, KindTimeout, err)
	case errors.Is(err, jetstream.ErrStreamNotFound), errors.Is(err, jetstream.ErrConsumerNotFound):
		return opErr(op, stream, KindNotFound, err)
	case errors.Is(err, jetstream.ErrConsumerExists), errors.Is(err, jetstream.ErrStreamNameAlreadyInUse):
		return opErr(op, stream, KindAlreadyExists, err)
	case errors.Is(err, nats.ErrConnectionClosed), errors.Is(err, nats.ErrConnectionDraining):
		return opErr(op, stream, KindDisconnected, err)
	}
	return opErr(op, stream, KindIO, err)
}
