package payment

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/noah-isme/backend-pawtag/internal/store"
)

// fakePayments is an in-memory PaymentStore with the same conditional-update
// semantics as the SQL implementation.
type fakePayments struct {
	mu       sync.Mutex
	seq      int
	payments map[string]*store.Payment
	events   []store.PaymentEvent
}

func newFakePayments() *fakePayments {
	return &fakePayments{payments: map[string]*store.Payment{}}
}

func clonePayment(p *store.Payment) *store.Payment {
	cp := *p
	cp.PetIDs = append([]string(nil), p.PetIDs...)
	return &cp
}

func (f *fakePayments) put(p *store.Payment) *store.Payment {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p.ID == "" {
		f.seq++
		p.ID = fmt.Sprintf("pay-%d", f.seq)
	}
	if p.Status == "" {
		p.Status = store.StatusPending
	}
	if p.Currency == "" {
		p.Currency = "ZAR"
	}
	f.payments[p.ID] = clonePayment(p)
	return clonePayment(p)
}

func (f *fakePayments) Create(_ context.Context, p *store.Payment) error {
	stored := f.put(p)
	*p = *stored
	return nil
}

func (f *fakePayments) GetByID(_ context.Context, id string) (*store.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.payments[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return clonePayment(p), nil
}

func (f *fakePayments) GetForUser(_ context.Context, id, userID string) (*store.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.payments[id]
	if !ok || p.UserID != userID {
		return nil, store.ErrNotFound
	}
	return clonePayment(p), nil
}

func (f *fakePayments) AttachCheckout(_ context.Context, id, checkoutID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.payments[id]
	if !ok {
		return store.ErrNotFound
	}
	p.GatewayCheckoutID = &checkoutID
	return nil
}

func (f *fakePayments) ClaimSuccess(_ context.Context, id string, chargeID *string, now time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.payments[id]
	if !ok {
		return false, store.ErrNotFound
	}
	if p.ProcessedAt != nil {
		return false, nil
	}
	t := now
	p.ProcessedAt = &t
	p.Status = store.StatusSuccessful
	p.FailureReason = nil
	if chargeID != nil {
		p.GatewayChargeID = chargeID
	}
	return true, nil
}

func (f *fakePayments) AlignSuccessStatus(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.payments[id]
	if !ok {
		return store.ErrNotFound
	}
	if p.ProcessedAt != nil {
		p.Status = store.StatusSuccessful
	}
	return nil
}

func (f *fakePayments) MarkFailed(_ context.Context, id, reason string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.payments[id]
	if !ok {
		return false, store.ErrNotFound
	}
	if p.ProcessedAt != nil {
		return false, nil
	}
	p.Status = store.StatusFailed
	p.FailureReason = &reason
	return true, nil
}

func (f *fakePayments) BackfillTagType(_ context.Context, id, tagType string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.payments[id]
	if !ok {
		return store.ErrNotFound
	}
	if p.TagType == nil || *p.TagType == "" {
		p.TagType = &tagType
	}
	return nil
}

func (f *fakePayments) SetPetIDsOnce(_ context.Context, id string, petIDs []string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.payments[id]
	if !ok {
		return false, store.ErrNotFound
	}
	if len(p.PetIDs) > 0 {
		return false, nil
	}
	p.PetIDs = append([]string(nil), petIDs...)
	return true, nil
}

func (f *fakePayments) InitFulfillment(_ context.Context, id, provider string, now time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.payments[id]
	if !ok {
		return false, store.ErrNotFound
	}
	if p.Fulfillment.Status != nil {
		return false, nil
	}
	status := store.FulfillmentUnfulfilled
	prov := provider
	t := now
	p.Fulfillment.Status = &status
	p.Fulfillment.Provider = &prov
	p.Fulfillment.CreatedAt = &t
	p.Fulfillment.UpdatedAt = &t
	return true, nil
}

func (f *fakePayments) UpdateFulfillment(_ context.Context, id string, upd store.FulfillmentUpdate, now time.Time) (*store.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.payments[id]
	if !ok || p.Kind != store.KindTag || p.Status != store.StatusSuccessful {
		return nil, store.ErrNotFound
	}
	if upd.Status != nil {
		p.Fulfillment.Status = upd.Status
	}
	if upd.Notes != nil {
		p.Fulfillment.Notes = upd.Notes
	}
	if upd.ShipmentID != nil {
		p.Fulfillment.ShipmentID = upd.ShipmentID
	}
	if upd.TrackingNumber != nil {
		p.Fulfillment.TrackingNumber = upd.TrackingNumber
	}
	t := now
	p.Fulfillment.UpdatedAt = &t
	return clonePayment(p), nil
}

func (f *fakePayments) ListTagOrders(_ context.Context, flt store.TagOrderFilter) ([]store.Payment, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Payment
	for _, p := range f.payments {
		if p.Kind != store.KindTag || p.Status != store.StatusSuccessful {
			continue
		}
		if flt.FulfillmentStatus != "" {
			if p.Fulfillment.Status == nil || *p.Fulfillment.Status != flt.FulfillmentStatus {
				continue
			}
		}
		out = append(out, *clonePayment(p))
	}
	return out, len(out), nil
}

func (f *fakePayments) ListStalePending(_ context.Context, olderThan time.Time, limit int) ([]store.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Payment
	for _, p := range f.payments {
		if p.Status != store.StatusPending || p.GatewayCheckoutID == nil {
			continue
		}
		if p.CreatedAt.After(olderThan) {
			continue
		}
		out = append(out, *clonePayment(p))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (f *fakePayments) RecordEvent(_ context.Context, paymentID, status string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, store.PaymentEvent{PaymentID: paymentID, Status: status, Payload: payload})
	return nil
}

func (f *fakePayments) eventCount(paymentID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.events {
		if e.PaymentID == paymentID {
			n++
		}
	}
	return n
}

// fakePets is an in-memory PetStore.
type fakePets struct {
	mu      sync.Mutex
	seq     int
	pets    map[string]*store.Pet
	created int
	deleted int
}

func newFakePets() *fakePets {
	return &fakePets{pets: map[string]*store.Pet{}}
}

func (f *fakePets) put(p *store.Pet) *store.Pet {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p.ID == "" {
		f.seq++
		p.ID = fmt.Sprintf("pet-%d", f.seq)
	}
	cp := *p
	f.pets[p.ID] = &cp
	out := cp
	return &out
}

func (f *fakePets) GetForUser(_ context.Context, id, userID string) (*store.Pet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.pets[id]
	if !ok || p.UserID != userID {
		return nil, store.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (f *fakePets) ListByIDsForUser(_ context.Context, ids []string, userID string) ([]store.Pet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Pet
	for _, id := range ids {
		if p, ok := f.pets[id]; ok && p.UserID == userID {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (f *fakePets) CreateFromDraft(_ context.Context, userID string, draft store.PetDraft, membershipID *string, start time.Time) (*store.Pet, error) {
	f.mu.Lock()
	f.created++
	f.mu.Unlock()
	p := &store.Pet{
		UserID:              userID,
		Name:                draft.Name,
		Species:             draft.Species,
		Breed:               draft.Breed,
		Age:                 draft.Age,
		Gender:              draft.Gender,
		HasMembership:       true,
		MembershipID:        membershipID,
		MembershipStartDate: &start,
	}
	if s := strings.TrimSpace(draft.Size); s != "" {
		p.Size = &s
	}
	return f.put(p), nil
}

func (f *fakePets) ApplyMembership(_ context.Context, userID string, petIDs []string, membershipID *string, start time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, id := range petIDs {
		p, ok := f.pets[id]
		if !ok || p.UserID != userID {
			continue
		}
		p.HasMembership = true
		p.MembershipID = membershipID
		if p.MembershipStartDate == nil {
			t := start
			p.MembershipStartDate = &t
		}
		n++
	}
	return n, nil
}

func (f *fakePets) ApplyTag(_ context.Context, userID string, petIDs []string, tagType *string, purchased time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, id := range petIDs {
		p, ok := f.pets[id]
		if !ok || p.UserID != userID {
			continue
		}
		p.HasTag = true
		if tagType != nil {
			p.TagType = tagType
		}
		t := purchased
		p.TagPurchaseDate = &t
		n++
	}
	return n, nil
}

func (f *fakePets) Delete(_ context.Context, id, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.pets[id]
	if !ok || p.UserID != userID {
		return store.ErrNotFound
	}
	delete(f.pets, id)
	f.deleted++
	return nil
}

func (f *fakePets) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pets)
}

// fakeUsers tracks membership recomputation calls.
type fakeUsers struct {
	mu         sync.Mutex
	users      map[string]*store.User
	recomputed int
}

func newFakeUsers(ids ...string) *fakeUsers {
	f := &fakeUsers{users: map[string]*store.User{}}
	for _, id := range ids {
		f.users[id] = &store.User{ID: id, Email: id + "@example.com", Name: "Test"}
	}
	return f
}

func (f *fakeUsers) GetByID(_ context.Context, id string) (*store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (f *fakeUsers) RecomputeMembership(_ context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recomputed++
	if u, ok := f.users[userID]; ok {
		u.MembershipActive = true
	}
	return nil
}

// fakeMemberships resolves plans by (name, cycle).
type fakeMemberships struct {
	mu    sync.Mutex
	seq   int
	plans map[string]*store.Membership
}

func newFakeMemberships() *fakeMemberships {
	return &fakeMemberships{plans: map[string]*store.Membership{}}
}

func (f *fakeMemberships) GetByID(_ context.Context, id string) (*store.Membership, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.plans {
		if m.ID == id {
			cp := *m
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeMemberships) FindOrCreate(_ context.Context, name string, priceInCents int64, billingCycle string, features []string) (*store.Membership, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := name + "|" + billingCycle
	if m, ok := f.plans[key]; ok {
		cp := *m
		return &cp, nil
	}
	f.seq++
	m := &store.Membership{
		ID:           fmt.Sprintf("plan-%d", f.seq),
		Name:         name,
		PriceInCents: priceInCents,
		BillingCycle: billingCycle,
		Features:     features,
	}
	f.plans[key] = m
	cp := *m
	return &cp, nil
}

// fakeNotifier records dispatched channels.
type fakeNotifier struct {
	mu    sync.Mutex
	sends []string
}

func (f *fakeNotifier) Dispatch(_ context.Context, paymentID, channel string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, paymentID+":"+channel)
	return nil
}

func (f *fakeNotifier) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sends...)
}

// fakeGateway returns scripted responses.
type fakeGateway struct {
	mu            sync.Mutex
	checkoutErr   error
	checkouts     []CheckoutRequest
	checkoutID    string
	fetchStatus   *CheckoutStatus
	fetchErr      error
	chargeResult  *ChargeResult
	chargeErr     error
	chargeCalls   int
	fetchCalls    int
}

func (f *fakeGateway) CreateCheckout(_ context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkouts = append(f.checkouts, req)
	if f.checkoutErr != nil {
		return nil, f.checkoutErr
	}
	id := f.checkoutID
	if id == "" {
		id = "co-1"
	}
	return &CheckoutSession{ID: id, RedirectURL: "https://pay.example.com/" + id}, nil
}

func (f *fakeGateway) FetchCheckout(_ context.Context, checkoutID string) (*CheckoutStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchCalls++
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	if f.fetchStatus != nil {
		return f.fetchStatus, nil
	}
	return &CheckoutStatus{Status: "created"}, nil
}

func (f *fakeGateway) chargeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.chargeCalls
}

func (f *fakeGateway) Charge(_ context.Context, token string, amountInCents int64, currency string) (*ChargeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chargeCalls++
	if f.chargeErr != nil {
		return nil, f.chargeErr
	}
	if f.chargeResult != nil {
		return f.chargeResult, nil
	}
	return &ChargeResult{ID: "ch-1", Status: "successful", Successful: true}, nil
}
