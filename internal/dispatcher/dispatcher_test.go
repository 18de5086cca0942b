package dispatcher_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/tinywideclouds/go-push-client/internal/dispatcher"
	"github.com/tinywideclouds/go-push-client/internal/storage/memory"
	"github.com/tinywideclouds/go-push-client/pkg/registration"
)

const testToken = "test-retry-token"

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// --- Mocks ---

type mockHandler struct {
	mock.Mock
}

func (m *mockHandler) OnMessage(ctx context.Context, msg registration.MessageEvent) {
	m.Called(ctx, msg)
}
func (m *mockHandler) OnDeletedMessages(ctx context.Context, total int) {
	m.Called(ctx, total)
}
func (m *mockHandler) OnRecoverableError(ctx context.Context, errorID string) bool {
	return m.Called(ctx, errorID).Bool(0)
}
func (m *mockHandler) OnError(ctx context.Context, errorID string) {
	m.Called(ctx, errorID)
}
func (m *mockHandler) OnRegistered(ctx context.Context, id string) {
	m.Called(ctx, id)
}
func (m *mockHandler) OnUnregistered(ctx context.Context, previousID string) {
	m.Called(ctx, previousID)
}

type mockScheduler struct {
	mock.Mock
}

func (m *mockScheduler) ScheduleOnceAfter(delay time.Duration, token string) {
	m.Called(delay, token)
}

type mockTransport struct {
	mock.Mock
}

func (m *mockTransport) RequestRegister(ctx context.Context, senderIDs []string) error {
	return m.Called(ctx, senderIDs).Error(0)
}
func (m *mockTransport) RequestUnregister(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

// countingWakeLock records acquire/release pairs and the peak number of
// concurrent holders.
type countingWakeLock struct {
	mu        sync.Mutex
	acquired  int
	released  int
	active    int
	maxActive int
}

func (w *countingWakeLock) Acquire() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.acquired++
	w.active++
	if w.active > w.maxActive {
		w.maxActive = w.active
	}
}

func (w *countingWakeLock) Release() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.released++
	w.active--
	return nil
}

type failingStore struct {
	*memory.StateStore
	err error
}

func (f *failingStore) SetRegistrationID(context.Context, string) error { return f.err }
func (f *failingStore) GetBackoff(context.Context) (int, error)         { return 0, f.err }

type fixture struct {
	d         *dispatcher.Dispatcher
	store     *memory.StateStore
	handler   *mockHandler
	scheduler *mockScheduler
	transport *mockTransport
	wakeLock  *countingWakeLock
}

func newFixture(t *testing.T, opts ...dispatcher.Option) *fixture {
	t.Helper()
	f := &fixture{
		store:     memory.NewStateStore(dispatcher.DefaultInitialBackoffMs),
		handler:   new(mockHandler),
		scheduler: new(mockScheduler),
		transport: new(mockTransport),
		wakeLock:  &countingWakeLock{},
	}
	d, err := dispatcher.New(
		dispatcher.Config{SenderIDs: []string{"sender-1"}, RetryToken: testToken},
		f.store, f.scheduler, f.wakeLock, f.transport, f.handler, newTestLogger(), opts...,
	)
	require.NoError(t, err)
	f.d = d
	return f
}

func (f *fixture) backoff(t *testing.T) int {
	t.Helper()
	b, err := f.store.GetBackoff(context.Background())
	require.NoError(t, err)
	return b
}

func (f *fixture) registrationID(t *testing.T) string {
	t.Helper()
	id, err := f.store.GetRegistrationID(context.Background())
	require.NoError(t, err)
	return id
}

func (f *fixture) assertWakeLockBalanced(t *testing.T, events int) {
	t.Helper()
	assert.Equal(t, events, f.wakeLock.acquired)
	assert.Equal(t, events, f.wakeLock.released)
}

// --- Tests ---

func TestNew_Validation(t *testing.T) {
	logger := newTestLogger()
	store := memory.NewStateStore(3000)

	t.Run("Requires a retry token", func(t *testing.T) {
		_, err := dispatcher.New(dispatcher.Config{}, store, new(mockScheduler), nil, new(mockTransport), new(mockHandler), logger)
		assert.ErrorIs(t, err, dispatcher.ErrMissingRetryToken)
	})

	t.Run("Rejects max below initial", func(t *testing.T) {
		cfg := dispatcher.Config{RetryToken: testToken, InitialBackoffMs: 5000, MaxBackoffMs: 1000}
		_, err := dispatcher.New(cfg, store, new(mockScheduler), nil, new(mockTransport), new(mockHandler), logger)
		assert.Error(t, err)
	})
}

func TestHandle_RegistrationCallback(t *testing.T) {
	ctx := context.Background()

	t.Run("Registered resets backoff and stores the id", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.store.SetBackoff(ctx, 48000))
		f.handler.On("OnRegistered", mock.Anything, "R1").Return().Once()

		err := f.d.Handle(ctx, registration.RegistrationCallback{RegistrationID: "R1"})

		require.NoError(t, err)
		assert.Equal(t, dispatcher.DefaultInitialBackoffMs, f.backoff(t))
		assert.Equal(t, "R1", f.registrationID(t))
		f.handler.AssertExpectations(t)
		f.assertWakeLockBalanced(t, 1)
	})

	t.Run("Unregistered clears the id and reports the previous one", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.store.SetRegistrationID(ctx, "R1"))
		require.NoError(t, f.store.SetBackoff(ctx, 24000))
		f.handler.On("OnUnregistered", mock.Anything, "R1").Return().Once()

		err := f.d.Handle(ctx, registration.RegistrationCallback{Unregistered: "com.example.app"})

		require.NoError(t, err)
		assert.Empty(t, f.registrationID(t))
		assert.Equal(t, dispatcher.DefaultInitialBackoffMs, f.backoff(t))
		f.handler.AssertExpectations(t)
	})

	t.Run("Handling the same success twice is safe", func(t *testing.T) {
		f := newFixture(t)
		f.handler.On("OnRegistered", mock.Anything, "R1").Return().Twice()

		require.NoError(t, f.d.Handle(ctx, registration.RegistrationCallback{RegistrationID: "R1"}))
		require.NoError(t, f.d.Handle(ctx, registration.RegistrationCallback{RegistrationID: "R1"}))

		assert.Equal(t, "R1", f.registrationID(t))
		assert.Equal(t, dispatcher.DefaultInitialBackoffMs, f.backoff(t))
		f.assertWakeLockBalanced(t, 2)
	})

	t.Run("Recoverable error schedules a jittered retry and doubles backoff", func(t *testing.T) {
		f := newFixture(t)
		f.handler.On("OnRecoverableError", mock.Anything, registration.ErrorServiceNotAvailable).Return(true).Once()
		f.scheduler.On("ScheduleOnceAfter", mock.MatchedBy(func(d time.Duration) bool {
			return d >= 1500*time.Millisecond && d < 4500*time.Millisecond
		}), testToken).Return().Once()

		err := f.d.Handle(ctx, registration.RegistrationCallback{Error: registration.ErrorServiceNotAvailable})

		require.NoError(t, err)
		assert.Equal(t, 6000, f.backoff(t))
		f.scheduler.AssertExpectations(t)
		f.handler.AssertExpectations(t)
	})

	t.Run("Injected jitter source decides the delay", func(t *testing.T) {
		f := newFixture(t, dispatcher.WithRand(func(n int) int { return n - 1 }))
		f.handler.On("OnRecoverableError", mock.Anything, mock.Anything).Return(true)
		f.scheduler.On("ScheduleOnceAfter", 4499*time.Millisecond, testToken).Return().Once()

		require.NoError(t, f.d.Handle(ctx, registration.RegistrationCallback{Error: registration.ErrorServiceNotAvailable}))
		f.scheduler.AssertExpectations(t)
	})

	t.Run("Backoff growth stops at the cap", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.store.SetBackoff(ctx, 2000000))
		f.handler.On("OnRecoverableError", mock.Anything, mock.Anything).Return(true)
		f.scheduler.On("ScheduleOnceAfter", mock.Anything, testToken).Return()

		require.NoError(t, f.d.Handle(ctx, registration.RegistrationCallback{Error: registration.ErrorServiceNotAvailable}))
		assert.Equal(t, dispatcher.DefaultMaxBackoffMs, f.backoff(t))

		require.NoError(t, f.d.Handle(ctx, registration.RegistrationCallback{Error: registration.ErrorServiceNotAvailable}))
		assert.Equal(t, dispatcher.DefaultMaxBackoffMs, f.backoff(t))
		f.scheduler.AssertNumberOfCalls(t, "ScheduleOnceAfter", 2)
	})

	t.Run("Declined retry leaves everything untouched", func(t *testing.T) {
		f := newFixture(t)
		f.handler.On("OnRecoverableError", mock.Anything, registration.ErrorServiceNotAvailable).Return(false).Once()

		err := f.d.Handle(ctx, registration.RegistrationCallback{Error: registration.ErrorServiceNotAvailable})

		require.NoError(t, err)
		assert.Equal(t, dispatcher.DefaultInitialBackoffMs, f.backoff(t))
		f.scheduler.AssertNotCalled(t, "ScheduleOnceAfter", mock.Anything, mock.Anything)
		f.handler.AssertNotCalled(t, "OnError", mock.Anything, mock.Anything)
	})

	t.Run("Unrecoverable error is surfaced once", func(t *testing.T) {
		f := newFixture(t)
		f.handler.On("OnError", mock.Anything, "INVALID_SENDER").Return().Once()

		err := f.d.Handle(ctx, registration.RegistrationCallback{Error: "INVALID_SENDER"})

		require.NoError(t, err)
		assert.Equal(t, dispatcher.DefaultInitialBackoffMs, f.backoff(t))
		f.handler.AssertExpectations(t)
		f.scheduler.AssertNotCalled(t, "ScheduleOnceAfter", mock.Anything, mock.Anything)
	})

	t.Run("Empty callback is a no-op", func(t *testing.T) {
		f := newFixture(t)

		err := f.d.Handle(ctx, registration.RegistrationCallback{})

		require.NoError(t, err)
		f.handler.AssertNotCalled(t, "OnError", mock.Anything, mock.Anything)
		f.assertWakeLockBalanced(t, 1)
	})
}

func TestHandle_Message(t *testing.T) {
	ctx := context.Background()

	t.Run("Ordinary message reaches OnMessage", func(t *testing.T) {
		f := newFixture(t)
		msg := registration.MessageEvent{Payload: map[string]string{"title": "hello"}}
		f.handler.On("OnMessage", mock.Anything, msg).Return().Once()

		require.NoError(t, f.d.Handle(ctx, msg))
		f.handler.AssertExpectations(t)
	})

	t.Run("Deleted messages count is parsed", func(t *testing.T) {
		f := newFixture(t)
		f.handler.On("OnDeletedMessages", mock.Anything, 7).Return().Once()

		err := f.d.Handle(ctx, registration.MessageEvent{SpecialType: registration.SpecialTypeDeletedMessages, TotalDeleted: "7"})

		require.NoError(t, err)
		f.handler.AssertExpectations(t)
	})

	invalid := []struct {
		name  string
		event registration.MessageEvent
	}{
		{"Unparsable total", registration.MessageEvent{SpecialType: registration.SpecialTypeDeletedMessages, TotalDeleted: "not_a_number"}},
		{"Missing total", registration.MessageEvent{SpecialType: registration.SpecialTypeDeletedMessages}},
		{"Unknown special type", registration.MessageEvent{SpecialType: "send_error", Payload: map[string]string{"a": "b"}}},
	}
	for _, tc := range invalid {
		t.Run(tc.name+" is ignored", func(t *testing.T) {
			f := newFixture(t)

			err := f.d.Handle(ctx, tc.event)

			require.NoError(t, err)
			f.handler.AssertNotCalled(t, "OnDeletedMessages", mock.Anything, mock.Anything)
			f.handler.AssertNotCalled(t, "OnMessage", mock.Anything, mock.Anything)
			f.assertWakeLockBalanced(t, 1)
		})
	}
}

func TestHandle_RetryTrigger(t *testing.T) {
	ctx := context.Background()

	t.Run("Foreign token is rejected without side effects", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.store.SetRegistrationID(ctx, "R1"))
		require.NoError(t, f.store.SetBackoff(ctx, 12000))

		for _, token := range []string{"", "spoofed"} {
			require.NoError(t, f.d.Handle(ctx, registration.RetryTrigger{Token: token}))
		}

		assert.Equal(t, "R1", f.registrationID(t))
		assert.Equal(t, 12000, f.backoff(t))
		f.transport.AssertNotCalled(t, "RequestRegister", mock.Anything, mock.Anything)
		f.transport.AssertNotCalled(t, "RequestUnregister", mock.Anything)
		f.assertWakeLockBalanced(t, 2)
	})

	t.Run("Unregistered device retries registration", func(t *testing.T) {
		f := newFixture(t)
		f.transport.On("RequestRegister", mock.Anything, []string{"sender-1"}).Return(nil).Once()

		require.NoError(t, f.d.Handle(ctx, registration.RetryTrigger{Token: testToken}))
		f.transport.AssertExpectations(t)
	})

	t.Run("Registered device retries unregistration", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.store.SetRegistrationID(ctx, "R1"))
		f.transport.On("RequestUnregister", mock.Anything).Return(nil).Once()

		require.NoError(t, f.d.Handle(ctx, registration.RetryTrigger{Token: testToken}))
		f.transport.AssertExpectations(t)
	})

	t.Run("Action is decided at fire time", func(t *testing.T) {
		f := newFixture(t)
		f.handler.On("OnRecoverableError", mock.Anything, mock.Anything).Return(true)
		f.scheduler.On("ScheduleOnceAfter", mock.Anything, testToken).Return()
		f.handler.On("OnRegistered", mock.Anything, "R2").Return()
		f.transport.On("RequestUnregister", mock.Anything).Return(nil).Once()

		// Scheduled while unregistered, fires after a registration landed.
		require.NoError(t, f.d.Handle(ctx, registration.RegistrationCallback{Error: registration.ErrorServiceNotAvailable}))
		require.NoError(t, f.d.Handle(ctx, registration.RegistrationCallback{RegistrationID: "R2"}))
		require.NoError(t, f.d.Handle(ctx, registration.RetryTrigger{Token: testToken}))

		f.transport.AssertExpectations(t)
		f.transport.AssertNotCalled(t, "RequestRegister", mock.Anything, mock.Anything)
	})

	t.Run("Transport failure is logged, not returned", func(t *testing.T) {
		f := newFixture(t)
		f.transport.On("RequestRegister", mock.Anything, mock.Anything).Return(errors.New("publish failed"))

		assert.NoError(t, f.d.Handle(ctx, registration.RetryTrigger{Token: testToken}))
	})
}

func TestHandle_WakeLock(t *testing.T) {
	ctx := context.Background()

	t.Run("Released once when a callback panics", func(t *testing.T) {
		f := newFixture(t)
		f.handler.On("OnRegistered", mock.Anything, "R1").Run(func(mock.Arguments) {
			panic("callback exploded")
		}).Return()

		err := f.d.Handle(ctx, registration.RegistrationCallback{RegistrationID: "R1"})

		require.Error(t, err)
		assert.ErrorIs(t, err, dispatcher.ErrHandlerPanic)
		f.assertWakeLockBalanced(t, 1)

		// The dispatcher is still usable afterwards.
		require.NoError(t, f.d.Handle(ctx, registration.UnknownEvent{Kind: "future"}))
		f.assertWakeLockBalanced(t, 2)
	})

	t.Run("Released once when the store fails", func(t *testing.T) {
		storeErr := errors.New("store offline")
		store := &failingStore{StateStore: memory.NewStateStore(3000), err: storeErr}
		lock := &countingWakeLock{}
		h := new(mockHandler)
		h.On("OnRecoverableError", mock.Anything, mock.Anything).Return(true)
		d, err := dispatcher.New(dispatcher.Config{RetryToken: testToken}, store, new(mockScheduler), lock, new(mockTransport), h, newTestLogger())
		require.NoError(t, err)

		err = d.Handle(ctx, registration.RegistrationCallback{RegistrationID: "R1"})
		assert.ErrorIs(t, err, storeErr)

		err = d.Handle(ctx, registration.RegistrationCallback{Error: registration.ErrorServiceNotAvailable})
		assert.ErrorIs(t, err, storeErr)

		assert.Equal(t, 2, lock.acquired)
		assert.Equal(t, 2, lock.released)
	})

	t.Run("Nil wake lock is tolerated", func(t *testing.T) {
		h := new(mockHandler)
		h.On("OnError", mock.Anything, "INVALID_SENDER").Return().Once()
		d, err := dispatcher.New(dispatcher.Config{RetryToken: testToken}, memory.NewStateStore(3000), new(mockScheduler), nil, new(mockTransport), h, newTestLogger())
		require.NoError(t, err)

		assert.NoError(t, d.Handle(ctx, registration.RegistrationCallback{Error: "INVALID_SENDER"}))
		h.AssertExpectations(t)
	})

	t.Run("Concurrent events never overlap", func(t *testing.T) {
		f := newFixture(t)
		f.handler.On("OnMessage", mock.Anything, mock.Anything).Return()

		var wg sync.WaitGroup
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = f.d.Handle(ctx, registration.MessageEvent{Payload: map[string]string{"n": "1"}})
			}()
		}
		wg.Wait()

		f.assertWakeLockBalanced(t, 50)
		assert.Equal(t, 1, f.wakeLock.maxActive)
	})
}

func TestRegistrarOperations(t *testing.T) {
	ctx := context.Background()

	t.Run("Register resets backoff then requests", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.store.SetBackoff(ctx, 96000))
		f.transport.On("RequestRegister", mock.Anything, []string{"sender-1"}).Return(nil).Once()

		require.NoError(t, f.d.Register(ctx))
		assert.Equal(t, dispatcher.DefaultInitialBackoffMs, f.backoff(t))
		f.transport.AssertExpectations(t)
	})

	t.Run("Unregister surfaces transport errors", func(t *testing.T) {
		f := newFixture(t)
		f.transport.On("RequestUnregister", mock.Anything).Return(errors.New("down")).Once()

		assert.Error(t, f.d.Unregister(ctx))
	})

	t.Run("Status reflects the store", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.store.SetRegistrationID(ctx, "R9"))

		status, err := f.d.Status(ctx)
		require.NoError(t, err)
		assert.Equal(t, dispatcher.Status{Registered: true, RegistrationID: "R9", BackoffMs: 3000}, status)
	})
}

func TestRegistrarOperations_FromCallbackGoroutine(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.store.SetRegistrationID(ctx, "R1"))

	// A handler that re-registers after losing its registration must do so
	// off the callback goroutine; Register blocks until Handle returns.
	done := make(chan error, 1)
	f.handler.On("OnUnregistered", mock.Anything, "R1").Run(func(mock.Arguments) {
		go func() { done <- f.d.Register(ctx) }()
	}).Once()
	f.transport.On("RequestRegister", mock.Anything, []string{"sender-1"}).Return(nil).Once()

	require.NoError(t, f.d.Handle(ctx, registration.RegistrationCallback{Unregistered: "pkg"}))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Register from a callback goroutine did not complete")
	}
	f.transport.AssertExpectations(t)
	assert.Empty(t, f.registrationID(t))
}
