// Copyright (C) 2026 Maestro
// SPDX-License-Identifier: AGPL-3.0-or-later

package persona

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/maestrohq/maestro/internal/config"
	"github.com/maestrohq/maestro/internal/logger"
	"github.com/maestrohq/maestro/internal/telemetry"
	"github.com/maestrohq/maestro/internal/transport"
)

// waitBlock bounds a single blocking read inside Wait so abort and deadline
// checks run at least once per second.
const waitBlock = time.Second

// readBatch is how many events one read cycle may drain.
const readBatch = 16

// TimeoutError is returned when no matching event arrived within the
// caller's budget. PersonaRequestStep retries on it with a larger timeout.
type TimeoutError struct {
	Persona   string
	CorrID    string
	TimeoutMS int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("persona %s did not answer corr_id %s within %dms", e.Persona, e.CorrID, e.TimeoutMS)
}

// IsTimeout reports whether err is a persona wait timeout.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// Messenger moves requests and events over the two configured streams. It is
// safe for concurrent use; each call is a self-contained transport exchange.
type Messenger struct {
	tr      transport.Transport
	cfg     *config.TransportConfig
	metrics *telemetry.Metrics
	log     zerolog.Logger
}

// NewMessenger wires a messenger onto an already connected transport.
func NewMessenger(tr transport.Transport, cfg *config.TransportConfig, metrics *telemetry.Metrics) *Messenger {
	return &Messenger{
		tr:      tr,
		cfg:     cfg,
		metrics: metrics,
		log:     logger.Get("persona"),
	}
}

// RequestGroup names the consumer group a persona's workers read from.
func (m *Messenger) RequestGroup(persona string) string {
	return m.cfg.GroupPrefix + ":" + persona
}

// EventGroup names the consumer group this coordinator reads events from.
// Each coordinator gets its own group so the stream delivers every event to
// every coordinator; a shared group would load-balance replies to readers
// that never asked for them.
func (m *Messenger) EventGroup() string {
	if m.cfg.ConsumerID == "" {
		return m.cfg.GroupPrefix + ":coordinator"
	}
	return m.cfg.GroupPrefix + ":coordinator:" + m.cfg.ConsumerID
}

// Send stamps the request with a fresh corr_id and a deadline derived from
// timeoutMS, appends it to the request stream, and returns the corr_id.
func (m *Messenger) Send(ctx context.Context, req *Request, timeoutMS int) (string, error) {
	req.CorrID = uuid.NewString()
	if timeoutMS > 0 {
		req.DeadlineS = (timeoutMS + 999) / 1000
	}
	fields, err := req.Fields()
	if err != nil {
		return "", err
	}
	id, err := m.tr.XAdd(ctx, m.cfg.RequestStream, "*", fields)
	if err != nil {
		return "", fmt.Errorf("send request to %s: %w", req.ToPersona, err)
	}
	m.log.Debug().
		Str("workflow_id", req.WorkflowID).
		Str("persona", req.ToPersona).
		Str("intent", req.Intent).
		Str("corr_id", req.CorrID).
		Str("msg_id", id).
		Msg("sent persona request")
	return req.CorrID, nil
}

// Wait blocks until an event from fromPersona with the given corr_id arrives
// on the event stream, or timeoutMS elapses. The consumer group is exclusive
// to this coordinator, so every read event is acked: matches terminate the
// wait, everything else can never match a future call either. Progress
// events matching the corr_id are acked and the wait continues.
func (m *Messenger) Wait(ctx context.Context, workflowID, fromPersona, corrID string, timeoutMS int) (*Event, error) {
	group := m.EventGroup()
	if err := m.ensureGroup(ctx, m.cfg.EventStream, group); err != nil {
		return nil, err
	}

	deadline := time.Now().Add(time.Duration(timeoutMS) * time.Millisecond)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		block := remaining
		if block > waitBlock {
			block = waitBlock
		}

		msgs, err := m.tr.XReadGroup(ctx, group, m.cfg.ConsumerID, m.cfg.EventStream, readBatch, block)
		if err != nil {
			if transport.IsRetriableRead(err) {
				m.log.Debug().Err(err).Msg("event read interrupted, retrying")
				if !sleepCtx(ctx, 100*time.Millisecond) {
					return nil, ctx.Err()
				}
				continue
			}
			return nil, fmt.Errorf("read events: %w", err)
		}

		for _, msg := range msgs {
			ev, perr := ParseEvent(msg.Fields)
			if perr != nil {
				// Malformed events are acked and dropped, they can never match.
				m.log.Warn().Err(perr).Str("msg_id", msg.ID).Msg("discarding malformed event")
				m.ack(ctx, group, msg.ID)
				continue
			}
			if ev.WorkflowID != workflowID || ev.FromPersona != fromPersona {
				// Not the reply this serial coordinator is waiting on, and no
				// other reader shares this group; drop it.
				m.log.Debug().Str("workflow_id", ev.WorkflowID).Str("msg_id", msg.ID).Msg("acking unrelated event")
				m.ack(ctx, group, msg.ID)
				continue
			}
			if ev.CorrID != corrID {
				// Stale reply from an earlier attempt of this persona.
				m.log.Debug().Str("corr_id", ev.CorrID).Str("msg_id", msg.ID).Msg("acking stale persona event")
				m.ack(ctx, group, msg.ID)
				continue
			}
			m.ack(ctx, group, msg.ID)
			if !ev.Terminal() {
				m.log.Debug().Str("corr_id", corrID).Msg("persona progress event")
				continue
			}
			if m.metrics != nil {
				m.metrics.PersonaRequests.WithLabelValues(fromPersona, ev.Status).Inc()
			}
			return ev, nil
		}
	}

	if m.metrics != nil {
		m.metrics.PersonaTimeouts.WithLabelValues(fromPersona).Inc()
	}
	return nil, &TimeoutError{Persona: fromPersona, CorrID: corrID, TimeoutMS: timeoutMS}
}

// Publish appends an event to the event stream. Persona workers and test
// responders answer requests through this.
func (m *Messenger) Publish(ctx context.Context, ev *Event) error {
	if ev.TS == "" {
		ev.TS = time.Now().UTC().Format(time.RFC3339)
	}
	if _, err := m.tr.XAdd(ctx, m.cfg.EventStream, "*", ev.Fields()); err != nil {
		return fmt.Errorf("publish event from %s: %w", ev.FromPersona, err)
	}
	return nil
}

// ReceiveRequest reads the next request addressed to persona, blocking up to
// block. It returns the parsed request and the message id for acking; a nil
// request means the wait expired.
func (m *Messenger) ReceiveRequest(ctx context.Context, persona, consumer string, block time.Duration) (*Request, string, error) {
	group := m.RequestGroup(persona)
	if err := m.ensureGroup(ctx, m.cfg.RequestStream, group); err != nil {
		return nil, "", err
	}
	msgs, err := m.tr.XReadGroup(ctx, group, consumer, m.cfg.RequestStream, 1, block)
	if err != nil {
		return nil, "", fmt.Errorf("read requests for %s: %w", persona, err)
	}
	for _, msg := range msgs {
		req, perr := ParseRequest(msg.Fields)
		if perr != nil {
			m.log.Warn().Err(perr).Str("msg_id", msg.ID).Msg("discarding malformed request")
			m.ack(ctx, group, msg.ID)
			continue
		}
		if req.ToPersona != persona {
			// Shared request stream: not ours, ack so the group drains.
			m.ack(ctx, group, msg.ID)
			continue
		}
		return req, msg.ID, nil
	}
	return nil, "", nil
}

// AckRequest acknowledges a previously received request.
func (m *Messenger) AckRequest(ctx context.Context, persona, msgID string) error {
	_, err := m.tr.XAck(ctx, m.cfg.RequestStream, m.RequestGroup(persona), msgID)
	return err
}

// ensureGroup creates a consumer group, tolerating prior creation.
func (m *Messenger) ensureGroup(ctx context.Context, stream, group string) error {
	err := m.tr.XGroupCreate(ctx, stream, group, "0", true)
	if err != nil && !transport.IsAlreadyExists(err) {
		return fmt.Errorf("ensure group %s on %s: %w", group, stream, err)
	}
	return nil
}

func (m *Messenger) ack(ctx context.Context, group, msgID string) {
	if _, err := m.tr.XAck(ctx, m.cfg.EventStream, group, msgID); err != nil {
		m.log.Warn().Err(err).Str("msg_id", msgID).Msg("failed to ack event")
	}
}

// sleepCtx sleeps for d unless the context ends first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
