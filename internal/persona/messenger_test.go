// Copyright (C) 2026 Maestro
// SPDX-License-Identifier: AGPL-3.0-or-later

package persona

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maestrohq/maestro/internal/config"
	"github.com/maestrohq/maestro/internal/transport"
)

func newTestMessenger(t *testing.T) (*Messenger, transport.Transport) {
	t.Helper()
	tr := transport.NewLocal()
	require.NoError(t, tr.Connect(context.Background()))
	t.Cleanup(func() { _ = tr.Disconnect(context.Background()) })

	cfg := &config.TransportConfig{
		Type:          "local",
		RequestStream: "maestro:requests",
		EventStream:   "maestro:events",
		GroupPrefix:   "maestro",
		ConsumerID:    "coordinator-test",
	}
	return NewMessenger(tr, cfg, nil), tr
}

func TestSendAssignsFreshCorrID(t *testing.T) {
	m, tr := newTestMessenger(t)
	ctx := context.Background()

	req := &Request{WorkflowID: "wf-1", From: "coordinator", ToPersona: "planner", Intent: "plan_task"}
	first, err := m.Send(ctx, req, 45000)
	require.NoError(t, err)
	second, err := m.Send(ctx, req, 90500)
	require.NoError(t, err)

	assert.NotEmpty(t, first)
	assert.NotEqual(t, first, second)

	msgs, err := tr.XRange(ctx, "maestro:requests", "-", "+", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "45", msgs[0].Fields["deadline_s"])
	assert.Equal(t, "91", msgs[1].Fields["deadline_s"])
	assert.Equal(t, first, msgs[0].Fields["corr_id"])
}

func TestReceiveRequestDeliversAndAcks(t *testing.T) {
	m, tr := newTestMessenger(t)
	ctx := context.Background()

	req := &Request{
		WorkflowID: "wf-1",
		Step:       "implement",
		From:       "coordinator",
		ToPersona:  "lead-engineer",
		Intent:     "implement_task",
		Payload:    map[string]any{"task": map[string]any{"id": "42"}},
		Branch:     "milestone/foundation",
	}
	corrID, err := m.Send(ctx, req, 60000)
	require.NoError(t, err)

	got, msgID, err := m.ReceiveRequest(ctx, "lead-engineer", "worker-1", 200*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, corrID, got.CorrID)
	assert.Equal(t, "implement_task", got.Intent)
	assert.Equal(t, "milestone/foundation", got.Branch)
	payload, err := got.PayloadMap()
	require.NoError(t, err)
	assert.Contains(t, payload, "task")

	require.NoError(t, m.AckRequest(ctx, "lead-engineer", msgID))
	pending, err := tr.XPending(ctx, "maestro:requests", m.RequestGroup("lead-engineer"), 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestWaitMatchesCorrelationID(t *testing.T) {
	m, tr := newTestMessenger(t)
	ctx := context.Background()

	// An event for another workflow, a stale reply for this workflow and
	// garbage all get acked; the group belongs to this coordinator alone.
	require.NoError(t, m.Publish(ctx, &Event{
		WorkflowID: "wf-other", FromPersona: "planner", Status: StatusDone, CorrID: "corr-x",
	}))
	require.NoError(t, m.Publish(ctx, &Event{
		WorkflowID: "wf-1", FromPersona: "planner", Status: StatusDone, CorrID: "corr-stale",
	}))
	_, err := tr.XAdd(ctx, "maestro:events", "*", map[string]string{"noise": "yes"})
	require.NoError(t, err)
	require.NoError(t, m.Publish(ctx, &Event{
		WorkflowID: "wf-1", FromPersona: "planner", Status: StatusDone,
		CorrID: "corr-match", Result: `{"status":"pass"}`,
	}))

	ev, err := m.Wait(ctx, "wf-1", "planner", "corr-match", 2000)
	require.NoError(t, err)
	assert.Equal(t, StatusDone, ev.Status)
	assert.Equal(t, `{"status":"pass"}`, ev.Result)

	pending, err := tr.XPending(ctx, "maestro:events", m.EventGroup(), 10)
	require.NoError(t, err)
	assert.Empty(t, pending, "every read event is acked")
}

func TestEventGroupIsPerCoordinator(t *testing.T) {
	tr := transport.NewLocal()
	require.NoError(t, tr.Connect(context.Background()))
	t.Cleanup(func() { _ = tr.Disconnect(context.Background()) })
	ctx := context.Background()

	cfgA := &config.TransportConfig{
		Type: "local", RequestStream: "maestro:requests", EventStream: "maestro:events",
		GroupPrefix: "maestro", ConsumerID: "coord-a",
	}
	cfgB := &config.TransportConfig{
		Type: "local", RequestStream: "maestro:requests", EventStream: "maestro:events",
		GroupPrefix: "maestro", ConsumerID: "coord-b",
	}
	ma := NewMessenger(tr, cfgA, nil)
	mb := NewMessenger(tr, cfgB, nil)
	require.NotEqual(t, ma.EventGroup(), mb.EventGroup())

	// Both coordinators wait on the same stream; a shared group would
	// deliver the reply to only one of them.
	require.NoError(t, ma.Publish(ctx, &Event{
		WorkflowID: "wf-a", FromPersona: "planner", Status: StatusDone, CorrID: "corr-a",
	}))
	require.NoError(t, ma.Publish(ctx, &Event{
		WorkflowID: "wf-b", FromPersona: "planner", Status: StatusDone, CorrID: "corr-b",
	}))

	evA, err := ma.Wait(ctx, "wf-a", "planner", "corr-a", 2000)
	require.NoError(t, err)
	assert.Equal(t, StatusDone, evA.Status)

	evB, err := mb.Wait(ctx, "wf-b", "planner", "corr-b", 2000)
	require.NoError(t, err)
	assert.Equal(t, StatusDone, evB.Status)
}

func TestWaitSkipsProgressEvents(t *testing.T) {
	m, _ := newTestMessenger(t)
	ctx := context.Background()

	require.NoError(t, m.Publish(ctx, &Event{
		WorkflowID: "wf-1", FromPersona: "lead-engineer", Status: StatusProgress, CorrID: "corr-1",
	}))
	require.NoError(t, m.Publish(ctx, &Event{
		WorkflowID: "wf-1", FromPersona: "lead-engineer", Status: StatusDone, CorrID: "corr-1",
	}))

	ev, err := m.Wait(ctx, "wf-1", "lead-engineer", "corr-1", 2000)
	require.NoError(t, err)
	assert.Equal(t, StatusDone, ev.Status)
}

func TestWaitReturnsTerminalErrorStatus(t *testing.T) {
	m, _ := newTestMessenger(t)
	ctx := context.Background()

	require.NoError(t, m.Publish(ctx, &Event{
		WorkflowID: "wf-1", FromPersona: "tester-qa", Status: StatusError,
		CorrID: "corr-1", Error: "runner crashed",
	}))

	ev, err := m.Wait(ctx, "wf-1", "tester-qa", "corr-1", 2000)
	require.NoError(t, err)
	assert.Equal(t, StatusError, ev.Status)
	assert.Equal(t, "runner crashed", ev.Error)
}

func TestWaitTimesOut(t *testing.T) {
	m, _ := newTestMessenger(t)
	ctx := context.Background()

	start := time.Now()
	_, err := m.Wait(ctx, "wf-1", "planner", "corr-never", 150)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, IsTimeout(err))
	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "planner", te.Persona)
	assert.Equal(t, 150, te.TimeoutMS)
	assert.GreaterOrEqual(t, elapsed, 140*time.Millisecond)
	assert.Less(t, elapsed, 1500*time.Millisecond)
}

func TestRequestReplyRoundTrip(t *testing.T) {
	m, _ := newTestMessenger(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		for {
			req, msgID, err := m.ReceiveRequest(ctx, "planner", "worker-1", 200*time.Millisecond)
			if err != nil {
				done <- err
				return
			}
			if req == nil {
				continue
			}
			if err := m.AckRequest(ctx, "planner", msgID); err != nil {
				done <- err
				return
			}
			done <- m.Publish(ctx, &Event{
				WorkflowID:  req.WorkflowID,
				Step:        req.Step,
				FromPersona: "planner",
				Status:      StatusDone,
				Result:      `{"status":"pass","plan":"three steps"}`,
				CorrID:      req.CorrID,
			})
			return
		}
	}()

	req := &Request{
		WorkflowID: "wf-1",
		Step:       "plan",
		From:       "coordinator",
		ToPersona:  "planner",
		Intent:     "plan_task",
	}
	corrID, err := m.Send(ctx, req, 5000)
	require.NoError(t, err)

	ev, err := m.Wait(ctx, "wf-1", "planner", corrID, 5000)
	require.NoError(t, err)
	assert.Equal(t, StatusDone, ev.Status)
	assert.Contains(t, ev.Result, "three steps")
	require.NoError(t, <-done)
}
