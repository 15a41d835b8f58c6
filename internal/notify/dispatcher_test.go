package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-pawtag/internal/common"
	"github.com/noah-isme/backend-pawtag/internal/queue"
	"github.com/noah-isme/backend-pawtag/internal/store"
)

// fakeLocks mirrors the SQL claim semantics in memory.
type fakeLocks struct {
	mu    sync.Mutex
	state map[string]*store.Notification
}

func newFakeLocks() *fakeLocks {
	return &fakeLocks{state: map[string]*store.Notification{}}
}

func (f *fakeLocks) Claim(_ context.Context, paymentID, channel string, now time.Time, staleAfter time.Duration) (bool, error) {
	if staleAfter <= 0 {
		staleAfter = 5 * time.Minute
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	key := paymentID + "/" + channel
	n, ok := f.state[key]
	if !ok {
		t := now
		f.state[key] = &store.Notification{PaymentID: paymentID, Channel: channel, SendingAt: &t, LastAttemptAt: &t}
		return true, nil
	}
	if n.SentAt != nil {
		return false, nil
	}
	if n.SendingAt != nil && n.SendingAt.After(now.Add(-staleAfter)) {
		return false, nil
	}
	t := now
	n.SendingAt = &t
	n.LastAttemptAt = &t
	return true, nil
}

func (f *fakeLocks) Complete(_ context.Context, paymentID, channel string, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.state[paymentID+"/"+channel]
	if ok && n.SentAt == nil {
		t := now
		n.SentAt = &t
		n.LastError = nil
	}
	return nil
}

func (f *fakeLocks) Release(_ context.Context, paymentID, channel, sendErr string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.state[paymentID+"/"+channel]
	if ok && n.SentAt == nil {
		n.SendingAt = nil
		n.LastError = &sendErr
	}
	return nil
}

func (f *fakeLocks) get(paymentID, channel string) *store.Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.state[paymentID+"/"+channel]
	if !ok {
		return nil
	}
	cp := *n
	return &cp
}

type staticPayments struct{ p *store.Payment }

func (s staticPayments) GetByID(_ context.Context, id string) (*store.Payment, error) {
	if s.p == nil || s.p.ID != id {
		return nil, store.ErrNotFound
	}
	cp := *s.p
	return &cp, nil
}

type staticUsers struct{ u *store.User }

func (s staticUsers) GetByID(_ context.Context, id string) (*store.User, error) {
	if s.u == nil || s.u.ID != id {
		return nil, store.ErrNotFound
	}
	cp := *s.u
	return &cp, nil
}

type flakyEmail struct {
	mu       sync.Mutex
	failures int
	sent     []common.EmailMessage
}

func (f *flakyEmail) Send(_ context.Context, msg common.EmailMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return errors.New("smtp unavailable")
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *flakyEmail) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func fixture(email common.EmailSender) (*Dispatcher, *fakeLocks) {
	locks := newFakeLocks()
	d := &Dispatcher{
		Notifications: locks,
		Payments:      staticPayments{p: &store.Payment{ID: "pay-1", UserID: "user-1", AmountInCents: 7000, Kind: store.KindMembership}},
		Users:         staticUsers{u: &store.User{ID: "user-1", Name: "Sam", Email: "sam@example.com"}},
		Email:         email,
		Log:           zerolog.Nop(),
	}
	return d, locks
}

func TestDispatchSendsOnce(t *testing.T) {
	email := &flakyEmail{}
	d, locks := fixture(email)

	require.NoError(t, d.Dispatch(context.Background(), "pay-1", "membership"))
	require.Equal(t, 1, email.sentCount())

	n := locks.get("pay-1", "membership")
	require.NotNil(t, n.SentAt)

	// Repeat dispatches are no-ops.
	require.NoError(t, d.Dispatch(context.Background(), "pay-1", "membership"))
	require.Equal(t, 1, email.sentCount())
}

func TestDispatchConcurrentCallersSendOnce(t *testing.T) {
	email := &flakyEmail{}
	d, _ := fixture(email)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = d.Dispatch(context.Background(), "pay-1", "membership")
		}()
	}
	wg.Wait()
	require.Equal(t, 1, email.sentCount())
}

func TestDispatchFailureReleasesClaimForRetry(t *testing.T) {
	email := &flakyEmail{failures: 1}
	d, locks := fixture(email)

	err := d.Dispatch(context.Background(), "pay-1", "membership")
	require.Error(t, err)
	require.Zero(t, email.sentCount())

	n := locks.get("pay-1", "membership")
	require.Nil(t, n.SentAt)
	require.Nil(t, n.SendingAt, "failed claim released")
	require.NotNil(t, n.LastError)

	// A later attempt re-claims and succeeds.
	require.NoError(t, d.Dispatch(context.Background(), "pay-1", "membership"))
	require.Equal(t, 1, email.sentCount())
	require.NotNil(t, locks.get("pay-1", "membership").SentAt)
}

func TestDispatchChannelsAreIndependent(t *testing.T) {
	email := &flakyEmail{}
	d, _ := fixture(email)

	require.NoError(t, d.Dispatch(context.Background(), "pay-1", "membership"))
	require.NoError(t, d.Dispatch(context.Background(), "pay-1", "tag"))
	require.Equal(t, 2, email.sentCount())
}

func TestDispatchEnqueuesConvergenceTaskOnce(t *testing.T) {
	m := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: m.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	email := &flakyEmail{}
	d, _ := fixture(email)
	d.Enqueuer = &queue.Enqueuer{R: rdb, Prefix: "t"}

	ctx := context.Background()
	require.NoError(t, d.Dispatch(ctx, "pay-1", "membership"))
	require.NoError(t, d.Dispatch(ctx, "pay-1", "membership"))

	// The safety-net task is deduplicated per (payment, channel).
	queued, err := rdb.ZCard(ctx, "t:queue:"+TaskKind).Result()
	require.NoError(t, err)
	require.Equal(t, int64(1), queued)
	require.Equal(t, 1, email.sentCount())
}

func TestBuildMessagePerChannel(t *testing.T) {
	p := &store.Payment{ID: "pay-1", AmountInCents: 25000}
	u := &store.User{Name: "Sam", Email: "sam@example.com"}

	m := buildMessage(p, u, "tag")
	require.Equal(t, "sam@example.com", m.To)
	require.Contains(t, m.Subject, "tag order")
	require.Contains(t, m.Body, "R250.00")

	m = buildMessage(p, u, "membership")
	require.Contains(t, m.Subject, "membership")
}
