package payment

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-pawtag/internal/common"
	"github.com/noah-isme/backend-pawtag/internal/store"
)

func newTestFinalizer(payments *fakePayments, pets *fakePets, users *fakeUsers, memberships *fakeMemberships, notifier Notifier) *Finalizer {
	return &Finalizer{
		Payments:    payments,
		Pets:        pets,
		Users:       users,
		Memberships: memberships,
		Notifier:    notifier,
		Log:         zerolog.Nop(),
	}
}

func TestFinalizeMembershipHappyPath(t *testing.T) {
	payments := newFakePayments()
	pets := newFakePets()
	users := newFakeUsers("user-1")
	memberships := newFakeMemberships()
	notifier := &fakeNotifier{}

	plan, err := memberships.FindOrCreate(context.Background(), "Medium Pet Membership", 7000, "monthly", nil)
	require.NoError(t, err)

	size := "medium"
	pet := pets.put(&store.Pet{UserID: "user-1", Name: "Rex", Species: "dog", Size: &size})
	p := payments.put(&store.Payment{
		UserID:        "user-1",
		Kind:          store.KindMembership,
		PetIDs:        []string{pet.ID},
		AmountInCents: 7000,
		MembershipID:  &plan.ID,
		PackageType:   "Medium Membership",
	})

	f := newTestFinalizer(payments, pets, users, memberships, notifier)
	got, err := f.Finalize(context.Background(), FinalizeInput{PaymentID: p.ID, ChargeID: "ch-9", Trigger: "webhook"})
	require.NoError(t, err)
	require.Equal(t, store.StatusSuccessful, got.Status)
	require.NotNil(t, got.ProcessedAt)
	require.NotNil(t, got.GatewayChargeID)
	require.Equal(t, "ch-9", *got.GatewayChargeID)

	updated, err := pets.GetForUser(context.Background(), pet.ID, "user-1")
	require.NoError(t, err)
	require.True(t, updated.HasMembership)
	require.Equal(t, plan.ID, *updated.MembershipID)

	require.Equal(t, 1, users.recomputed)
	require.Equal(t, 1, payments.eventCount(p.ID))

	require.Eventually(t, func() bool {
		return len(notifier.sent()) == 1
	}, time.Second, 10*time.Millisecond)
	require.Equal(t, p.ID+":membership", notifier.sent()[0])
}

func TestFinalizeIsIdempotent(t *testing.T) {
	payments := newFakePayments()
	pets := newFakePets()
	users := newFakeUsers("user-1")
	memberships := newFakeMemberships()

	plan, err := memberships.FindOrCreate(context.Background(), "Small Pet Membership", 5000, "monthly", nil)
	require.NoError(t, err)
	pet := pets.put(&store.Pet{UserID: "user-1", Name: "Milo", Species: "cat"})
	p := payments.put(&store.Payment{
		UserID:       "user-1",
		Kind:         store.KindMembership,
		PetIDs:       []string{pet.ID},
		MembershipID: &plan.ID,
	})

	f := newTestFinalizer(payments, pets, users, memberships, nil)
	var firstProcessed *time.Time
	for i := 0; i < 5; i++ {
		got, err := f.Finalize(context.Background(), FinalizeInput{PaymentID: p.ID, Trigger: "poll"})
		require.NoError(t, err)
		require.Equal(t, store.StatusSuccessful, got.Status)
		if firstProcessed == nil {
			firstProcessed = got.ProcessedAt
		} else {
			require.Equal(t, firstProcessed.UnixNano(), got.ProcessedAt.UnixNano())
		}
	}
	require.Equal(t, 1, payments.eventCount(p.ID), "status transition recorded once")
}

func TestFinalizeDraftPetCreatedAtMostOnce(t *testing.T) {
	payments := newFakePayments()
	pets := newFakePets()
	users := newFakeUsers("user-1")
	memberships := newFakeMemberships()

	plan, err := memberships.FindOrCreate(context.Background(), "Large Pet Membership", 10000, "monthly", nil)
	require.NoError(t, err)
	p := payments.put(&store.Payment{
		UserID:       "user-1",
		Kind:         store.KindMembership,
		MembershipID: &plan.ID,
		PetDraft:     &store.PetDraft{Name: "Bella", Species: "dog", Size: "large"},
	})

	f := newTestFinalizer(payments, pets, users, memberships, nil)

	const callers = 8
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.Finalize(context.Background(), FinalizeInput{PaymentID: p.ID, Trigger: "webhook"})
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	require.Equal(t, 1, pets.count(), "exactly one pet survives concurrent finalization")
	final, err := payments.GetByID(context.Background(), p.ID)
	require.NoError(t, err)
	require.Len(t, final.PetIDs, 1)

	surviving, err := pets.GetForUser(context.Background(), final.PetIDs[0], "user-1")
	require.NoError(t, err)
	require.True(t, surviving.HasMembership)
	require.Equal(t, "Bella", surviving.Name)
}

func TestFinalizeTagAppliesTypeAndFulfillment(t *testing.T) {
	payments := newFakePayments()
	pets := newFakePets()
	users := newFakeUsers("user-1")

	pet := pets.put(&store.Pet{UserID: "user-1", Name: "Rex", Species: "dog", HasMembership: true})
	p := payments.put(&store.Payment{
		UserID:      "user-1",
		Kind:        store.KindTag,
		PetIDs:      []string{pet.ID},
		PackageType: "Apple AirTag Package",
	})

	f := newTestFinalizer(payments, pets, users, nil, nil)
	got, err := f.Finalize(context.Background(), FinalizeInput{PaymentID: p.ID, Trigger: "webhook"})
	require.NoError(t, err)
	require.Equal(t, store.StatusSuccessful, got.Status)

	updated, err := pets.GetForUser(context.Background(), pet.ID, "user-1")
	require.NoError(t, err)
	require.True(t, updated.HasTag)
	require.NotNil(t, updated.TagType)
	require.Equal(t, "Apple AirTag", *updated.TagType)
	require.NotNil(t, updated.TagPurchaseDate)

	require.NotNil(t, got.Fulfillment.Status)
	require.Equal(t, store.FulfillmentUnfulfilled, *got.Fulfillment.Status)
	require.Equal(t, FulfillmentProvider, *got.Fulfillment.Provider)

	// The resolved type is backfilled onto the payment itself for rows that
	// predate checkout-side derivation.
	require.NotNil(t, got.TagType)
	require.Equal(t, "Apple AirTag", *got.TagType)

	// Repeat calls leave the fulfillment record alone.
	createdAt := *got.Fulfillment.CreatedAt
	again, err := f.Finalize(context.Background(), FinalizeInput{PaymentID: p.ID, Trigger: "poll"})
	require.NoError(t, err)
	require.Equal(t, createdAt.UnixNano(), again.Fulfillment.CreatedAt.UnixNano())
}

func TestFinalizeInfersKindFromMembershipReference(t *testing.T) {
	payments := newFakePayments()
	pets := newFakePets()
	users := newFakeUsers("user-1")
	memberships := newFakeMemberships()

	plan, err := memberships.FindOrCreate(context.Background(), "Small Pet Membership", 5000, "monthly", nil)
	require.NoError(t, err)
	pet := pets.put(&store.Pet{UserID: "user-1", Name: "Milo", Species: "cat"})
	p := payments.put(&store.Payment{
		UserID:       "user-1",
		PetIDs:       []string{pet.ID},
		MembershipID: &plan.ID, // kind left empty on the row
	})

	f := newTestFinalizer(payments, pets, users, memberships, nil)
	_, err = f.Finalize(context.Background(), FinalizeInput{PaymentID: p.ID, Trigger: "webhook"})
	require.NoError(t, err)

	updated, err := pets.GetForUser(context.Background(), pet.ID, "user-1")
	require.NoError(t, err)
	require.True(t, updated.HasMembership)
	require.Equal(t, 1, users.recomputed)
}

func TestFinalizeMembershipWithoutReferenceSkipsSideEffects(t *testing.T) {
	payments := newFakePayments()
	pets := newFakePets()
	users := newFakeUsers("user-1")

	pet := pets.put(&store.Pet{UserID: "user-1", Name: "Milo", Species: "cat"})
	p := payments.put(&store.Payment{
		UserID: "user-1",
		Kind:   store.KindMembership,
		PetIDs: []string{pet.ID},
	})

	f := newTestFinalizer(payments, pets, users, nil, nil)
	got, err := f.Finalize(context.Background(), FinalizeInput{PaymentID: p.ID, Trigger: "webhook"})
	require.NoError(t, err)
	require.Equal(t, store.StatusSuccessful, got.Status)

	updated, err := pets.GetForUser(context.Background(), pet.ID, "user-1")
	require.NoError(t, err)
	require.False(t, updated.HasMembership)
	require.Zero(t, users.recomputed)
}

func TestFinalizeUnknownPayment(t *testing.T) {
	f := newTestFinalizer(newFakePayments(), newFakePets(), newFakeUsers(), nil, nil)
	_, err := f.Finalize(context.Background(), FinalizeInput{PaymentID: "missing", Trigger: "webhook"})
	var appErr *common.AppError
	require.True(t, errors.As(err, &appErr))
	require.Equal(t, "NOT_FOUND", appErr.Code)
}

func TestFinalizeOwnershipScopedSideEffects(t *testing.T) {
	payments := newFakePayments()
	pets := newFakePets()
	users := newFakeUsers("user-1", "user-2")
	memberships := newFakeMemberships()

	plan, err := memberships.FindOrCreate(context.Background(), "Small Pet Membership", 5000, "monthly", nil)
	require.NoError(t, err)
	foreign := pets.put(&store.Pet{UserID: "user-2", Name: "Ghost", Species: "dog"})
	p := payments.put(&store.Payment{
		UserID:       "user-1",
		Kind:         store.KindMembership,
		PetIDs:       []string{foreign.ID},
		MembershipID: &plan.ID,
	})

	f := newTestFinalizer(payments, pets, users, memberships, nil)
	got, err := f.Finalize(context.Background(), FinalizeInput{PaymentID: p.ID, Trigger: "webhook"})
	require.NoError(t, err)
	require.Equal(t, store.StatusSuccessful, got.Status)

	untouched, err := pets.GetForUser(context.Background(), foreign.ID, "user-2")
	require.NoError(t, err)
	require.False(t, untouched.HasMembership, "pets of other accounts are never modified")
}
