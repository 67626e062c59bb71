// ABOUTME: Tests for the caption reconciliation worker
// ABOUTME: Covers write-back, idempotence, duplicate jobs, failure tolerance, and sweeping

package caption

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/yen-gateway/internal/store"
)

type fakeCaptioner struct {
	calls atomic.Int64
	fail  atomic.Bool
}

func (f *fakeCaptioner) Caption(ctx context.Context, kind, url string) (string, error) {
	f.calls.Add(1)
	if f.fail.Load() {
		return "", errors.New("vision provider down")
	}
	return fmt.Sprintf("caption for %s", url), nil
}

func newMediaSession(t *testing.T, st store.Store) (sessionID string, index int) {
	t.Helper()
	sess, err := st.StartNew(t.Context(), "user", "default", "")
	require.NoError(t, err)
	_, idx, err := st.Append(t.Context(), sess.ID, store.Message{
		Role:    store.RoleUser,
		Content: store.MediaMarker("photo", "https://x/p.jpg"),
	})
	require.NoError(t, err)
	return sess.ID, idx
}

func waitForCaption(t *testing.T, st store.Store, sessionID string, index int) string {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		pending, err := st.ListPendingMedia(t.Context(), 10)
		require.NoError(t, err)
		if len(pending) == 0 {
			sess, err := st.GetLatest(t.Context(), "user", "default")
			require.NoError(t, err)
			for _, m := range sess.Messages {
				if m.Index == index {
					return m.Caption
				}
			}
			t.Fatalf("message %d not found in session %s", index, sessionID)
		}
		select {
		case <-deadline:
			t.Fatal("caption never reconciled")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestWorkerReconcilesCaption(t *testing.T) {
	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer st.Close()

	w := NewWorker(st, &fakeCaptioner{}, Options{Workers: 1})
	defer w.Close()

	sessionID, index := newMediaSession(t, st)
	w.NotifyMedia(sessionID, index, "photo", "https://x/p.jpg")

	caption := waitForCaption(t, st, sessionID, index)
	assert.Equal(t, "caption for https://x/p.jpg", caption)
}

func TestWorkerDuplicateJobsAreHarmless(t *testing.T) {
	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer st.Close()

	w := NewWorker(st, &fakeCaptioner{}, Options{Workers: 1})

	sessionID, index := newMediaSession(t, st)
	for i := 0; i < 5; i++ {
		w.NotifyMedia(sessionID, index, "photo", "https://x/p.jpg")
	}
	w.Close()

	sess, err := st.GetLatest(t.Context(), "user", "default")
	require.NoError(t, err)
	for _, m := range sess.Messages {
		if m.Index == index {
			assert.Equal(t, "caption for https://x/p.jpg", m.Caption)
		}
	}
}

func TestWorkerCaptionFailureLeavesMessagePending(t *testing.T) {
	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer st.Close()

	captioner := &fakeCaptioner{}
	captioner.fail.Store(true)
	w := NewWorker(st, captioner, Options{Workers: 1})

	sessionID, index := newMediaSession(t, st)
	w.NotifyMedia(sessionID, index, "photo", "https://x/p.jpg")
	w.Close()

	pending, err := st.ListPendingMedia(t.Context(), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1, "failed caption stays pending for the next sweep")
	assert.Equal(t, index, pending[0].Index)
}

func TestSweepPicksUpMissedMedia(t *testing.T) {
	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer st.Close()

	w := NewWorker(st, &fakeCaptioner{}, Options{Workers: 1})

	_, index := newMediaSession(t, st)

	n, err := w.Sweep(t.Context(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	w.Close()

	sess, err := st.GetLatest(t.Context(), "user", "default")
	require.NoError(t, err)
	for _, m := range sess.Messages {
		if m.Index == index {
			assert.NotEmpty(t, m.Caption)
		}
	}
}

func TestSweepRetriesAfterRecovery(t *testing.T) {
	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer st.Close()

	captioner := &fakeCaptioner{}
	captioner.fail.Store(true)
	w := NewWorker(st, captioner, Options{Workers: 1})
	defer w.Close()

	sessionID, index := newMediaSession(t, st)
	w.NotifyMedia(sessionID, index, "photo", "https://x/p.jpg")

	require.Eventually(t, func() bool { return captioner.calls.Load() >= 1 },
		time.Second, 10*time.Millisecond)

	captioner.fail.Store(false)
	_, err = w.Sweep(t.Context(), 10)
	require.NoError(t, err)

	caption := waitForCaption(t, st, sessionID, index)
	assert.NotEmpty(t, caption)
}

func TestEnqueueDropsWhenFull(t *testing.T) {
	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer st.Close()

	// No workers draining: fill the queue to force drops.
	w := &Worker{
		store:     st,
		captioner: &fakeCaptioner{},
		jobs:      make(chan Job, 1),
		logger:    slog.Default(),
	}

	assert.True(t, w.Enqueue(Job{SessionID: "a"}))
	assert.False(t, w.Enqueue(Job{SessionID: "b"}))
}
