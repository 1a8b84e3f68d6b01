package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"booking-webhook-pipeline/internal/models"
	"booking-webhook-pipeline/internal/queue"
	"booking-webhook-pipeline/internal/store"
)

type fakeDLQ struct {
	ids      []string
	enqueued []queue.TaskRef
	enqErr   error
}

func (f *fakeDLQ) DLQPeek(_ context.Context, count int64) ([]string, error) {
	if int64(len(f.ids)) > count {
		return f.ids[:count], nil
	}
	return f.ids, nil
}

func (f *fakeDLQ) DLQRemove(_ context.Context, id string) (bool, error) {
	for i, v := range f.ids {
		if v == id {
			f.ids = append(f.ids[:i], f.ids[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeDLQ) Enqueue(_ context.Context, ref queue.TaskRef, _ time.Time) error {
	if f.enqErr != nil {
		return f.enqErr
	}
	f.enqueued = append(f.enqueued, ref)
	return nil
}

type fakeTasks struct {
	tasks  map[string]models.Task
	audits []string
}

func (f *fakeTasks) GetTask(_ context.Context, id string) (models.Task, error) {
	t, ok := f.tasks[id]
	if !ok {
		return models.Task{}, fmt.Errorf("task %s: %w", id, store.ErrNotFound)
	}
	return t, nil
}

func (f *fakeTasks) ResetForReplay(_ context.Context, id string) (models.Task, error) {
	t, ok := f.tasks[id]
	if !ok || t.Status != models.StatusDeadLetter {
		return models.Task{}, fmt.Errorf("dead-lettered task %s: %w", id, store.ErrNotFound)
	}
	t.Status = models.StatusQueued
	t.Attempts = 0
	f.tasks[id] = t
	return t, nil
}

func (f *fakeTasks) AppendAudit(_ context.Context, id, event, _ string) error {
	f.audits = append(f.audits, id+":"+event)
	return nil
}

func deadTask(id string) models.Task {
	msg := "subscriber returned 503"
	return models.Task{ID: id, Queue: queue.WebhookDelivery, Type: models.TaskTypeWebhookDelivery, Machine: "medium-1x", Status: models.StatusDeadLetter, Attempts: 4, LastError: &msg}
}

func TestReplayRequeuesAndDropsFromDLQ(t *testing.T) {
	q := &fakeDLQ{ids: []string{"t1", "t2"}}
	st := &fakeTasks{tasks: map[string]models.Task{"t1": deadTask("t1"), "t2": deadTask("t2")}}

	task, err := replay(context.Background(), q, st, "t1", time.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, task.Attempts)
	assert.Equal(t, []queue.TaskRef{{ID: "t1", Queue: queue.WebhookDelivery, Machine: "medium-1x"}}, q.enqueued)
	assert.Equal(t, []string{"t2"}, q.ids)
	assert.Equal(t, []string{"t1:replayed"}, st.audits)

	_, err = replay(context.Background(), q, st, "t1", time.Now())
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestReplayKeepsDLQEntryWhenEnqueueFails(t *testing.T) {
	q := &fakeDLQ{ids: []string{"t1"}, enqErr: errors.New("redis down")}
	st := &fakeTasks{tasks: map[string]models.Task{"t1": deadTask("t1")}}

	_, err := replay(context.Background(), q, st, "t1", time.Now())
	require.Error(t, err)
	assert.Equal(t, []string{"t1"}, q.ids)
}

func TestListDLQ(t *testing.T) {
	q := &fakeDLQ{ids: []string{"t1", "gone"}}
	st := &fakeTasks{tasks: map[string]models.Task{"t1": deadTask("t1")}}

	var out bytes.Buffer
	require.NoError(t, listDLQ(context.Background(), &out, q, st, 10))
	assert.Contains(t, out.String(), "subscriber returned 503")
	assert.Contains(t, out.String(), "missing from store")
}

func TestListDLQKeepsPushOrder(t *testing.T) {
	q := &fakeDLQ{ids: []string{"t1", "t2"}}
	st := &fakeTasks{tasks: map[string]models.Task{"t1": deadTask("t1"), "t2": deadTask("t2")}}

	var out bytes.Buffer
	require.NoError(t, listDLQ(context.Background(), &out, q, st, 10))
	assert.Less(t, strings.Index(out.String(), "t1"), strings.Index(out.String(), "t2"), "oldest entry is listed first")

	list, _, err := dlqCmd().Find([]string{"list"})
	require.NoError(t, err)
	assert.Contains(t, list.Short, "oldest first")
}

type fakeStats struct{}

func (fakeStats) ReadyDepth(context.Context, string) (int64, error) { return 3, nil }
func (fakeStats) InFlight(context.Context, string) (int64, error)   { return 1, nil }

type fakeCounts map[string]int64

func (f fakeCounts) CountByStatus(context.Context, string) (map[string]int64, error) { return f, nil }

func TestPrintQueues(t *testing.T) {
	configs := []queue.Config{{Name: queue.Billing, ConcurrencyLimit: 10, Retry: queue.RetryPolicy{MaxAttempts: 3}}}
	var out bytes.Buffer
	require.NoError(t, printQueues(context.Background(), &out, configs, fakeStats{}, fakeCounts{"succeeded": 5, "dead_lettered": 1}))
	assert.Contains(t, out.String(), queue.Billing)
	assert.Contains(t, out.String(), "dead_lettered=1 succeeded=5")
}

func flagsCommand(t *testing.T, build func() *cobra.Command, name string, args ...string) *cobra.Command {
	t.Helper()
	root := build()
	cmd, _, err := root.Find([]string{name})
	require.NoError(t, err)
	require.NoError(t, cmd.ParseFlags(args))
	return cmd
}

func TestSubscriberFromFlags(t *testing.T) {
	cmd := flagsCommand(t, subscribersCmd, "add", "--url", "https://example.test/hook", "--triggers", "booking_created,FORM_SUBMITTED", "--team", "9")
	sub, err := subscriberFromFlags(cmd)
	require.NoError(t, err)
	assert.Equal(t, []string{"BOOKING_CREATED", "FORM_SUBMITTED"}, sub.EventTriggers)
	require.NotNil(t, sub.TeamID)
	assert.Equal(t, int64(9), *sub.TeamID)
	assert.Nil(t, sub.UserID)
	assert.True(t, sub.Active)

	cmd = flagsCommand(t, subscribersCmd, "add", "--url", "https://example.test/hook", "--triggers", "NOPE", "--team", "9")
	_, err = subscriberFromFlags(cmd)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BOOKING_CREATED, BOOKING_CANCELLED")
	assert.Contains(t, err.Error(), "INVOICE_UPCOMING")

	cmd = flagsCommand(t, subscribersCmd, "add", "--url", "https://example.test/hook", "--triggers", "BOOKING_CREATED")
	_, err = subscriberFromFlags(cmd)
	require.Error(t, err)
}

func TestBillingStateFromFlags(t *testing.T) {
	cmd := flagsCommand(t, billingCmd, "upsert", "--mode", "active_users", "--seats", "4", "--usage-item", "si_1")
	st, err := billingStateFromFlags(cmd, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, models.BillingModeActiveUsers, st.Mode)
	assert.Equal(t, 4, st.SeatsPaid)
	assert.Equal(t, "si_1", st.UsageItemID)

	cmd = flagsCommand(t, billingCmd, "upsert", "--mode", "free")
	_, err = billingStateFromFlags(cmd, "sub_1")
	require.Error(t, err)
}
