package offers

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aaronwang/bazaar/internal/apperr"
	"github.com/aaronwang/bazaar/internal/store"
	"github.com/aaronwang/bazaar/shared/models"
)

const (
	seller  = "seller-1"
	buyer   = "buyer-1"
	buyer2  = "buyer-2"
	listing = "listing-1"
)

// flakyStore fails selected writes
type flakyStore struct {
	*store.MemoryStore
	failTransition  error
	failTransaction error
	failListing     error
	failDecline     error
}

func (f *flakyStore) TransitionOffer(ctx context.Context, id string, from, to models.OfferStatus) (*models.Offer, error) {
	if f.failTransition != nil {
		return nil, f.failTransition
	}
	return f.MemoryStore.TransitionOffer(ctx, id, from, to)
}

func (f *flakyStore) CreateTransaction(ctx context.Context, tx *models.Transaction) error {
	if f.failTransaction != nil {
		return f.failTransaction
	}
	return f.MemoryStore.CreateTransaction(ctx, tx)
}

func (f *flakyStore) UpdateListingStatus(ctx context.Context, id string, status models.ListingStatus) error {
	if f.failListing != nil {
		return f.failListing
	}
	return f.MemoryStore.UpdateListingStatus(ctx, id, status)
}

func (f *flakyStore) DeclinePendingOffers(ctx context.Context, listingID, exceptID string) (int, error) {
	if f.failDecline != nil {
		return 0, f.failDecline
	}
	return f.MemoryStore.DeclinePendingOffers(ctx, listingID, exceptID)
}

func newFixture(t *testing.T) (*flakyStore, *Ledger) {
	t.Helper()
	ctx := context.Background()
	mem := store.NewMemoryStore(nil)
	require.NoError(t, mem.CreateListing(ctx, &models.Listing{ID: listing, OwnerID: seller, Title: "Road bike", Price: 100}))
	require.NoError(t, mem.AddListingImage(ctx, models.ListingImage{ListingID: listing, ImageURL: "cover.jpg"}))
	for _, p := range []*models.Profile{
		{ID: seller, Username: "sam"},
		{ID: buyer, Username: "bea"},
	} {
		require.NoError(t, mem.UpsertProfile(ctx, p))
	}
	fs := &flakyStore{MemoryStore: mem}
	return fs, NewLedger(fs, NewMemoryJournal())
}

func TestSubmitOfferValidation(t *testing.T) {
	ctx := context.Background()
	_, led := newFixture(t)

	tests := []struct {
		name    string
		actor   string
		amount  float64
		message string
		want    string
	}{
		{"self offer", seller, 50, "", "own listing"},
		{"zero amount", buyer, 0, "", "valid offer amount"},
		{"negative amount", buyer, -5, "", "valid offer amount"},
		{"nan amount", buyer, math.NaN(), "", "valid offer amount"},
		{"infinite amount", buyer, math.Inf(1), "", "valid offer amount"},
		{"sub-cent amount", buyer, 99.999, "", "two decimal places"},
		{"sub-cent above price after rounding", buyer, 100.004, "", "two decimal places"},
		{"fraction of a cent", buyer, 0.001, "", "two decimal places"},
		{"above asking price", buyer, 120, "", "exceed the asking price"},
		{"message too long", buyer, 50, strings.Repeat("x", 501), "500 characters"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := led.SubmitOffer(ctx, tt.actor, listing, tt.amount, tt.message)
			require.Error(t, err)
			assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	_, err := led.SubmitOffer(ctx, buyer, "missing", 10, "")
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestSubmitOfferAcceptsCents(t *testing.T) {
	ctx := context.Background()
	_, led := newFixture(t)
	offer, err := led.SubmitOffer(ctx, buyer, listing, 19.99, "")
	require.NoError(t, err)
	assert.Equal(t, 19.99, offer.Amount)
	offer, err = led.SubmitOffer(ctx, buyer2, listing, 100, "")
	require.NoError(t, err)
	assert.Equal(t, 100.0, offer.Amount)
}

func TestSubmitOfferTrimsMessage(t *testing.T) {
	ctx := context.Background()
	_, led := newFixture(t)

	offer, err := led.SubmitOffer(ctx, buyer, listing, 100, "   ")
	require.NoError(t, err)
	assert.Nil(t, offer.Message)
	assert.Equal(t, models.OfferStatusPending, offer.Status)

	offer, err = led.SubmitOffer(ctx, buyer2, listing, 60, "  "+strings.Repeat("é", 500)+"  ")
	require.NoError(t, err)
	require.NotNil(t, offer.Message)
	assert.Equal(t, strings.Repeat("é", 500), *offer.Message)
}

func TestSubmitOfferRejectsDuplicatePending(t *testing.T) {
	ctx := context.Background()
	_, led := newFixture(t)

	first, err := led.SubmitOffer(ctx, buyer, listing, 80, "")
	require.NoError(t, err)

	_, err = led.SubmitOffer(ctx, buyer, listing, 85, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pending offer")

	_, err = led.WithdrawOffer(ctx, buyer, first.ID)
	require.NoError(t, err)
	_, err = led.SubmitOffer(ctx, buyer, listing, 85, "")
	assert.NoError(t, err)
}

func TestSubmitOfferConcurrentSameBuyer(t *testing.T) {
	ctx := context.Background()
	fs, led := newFixture(t)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = led.SubmitOffer(ctx, buyer, listing, 50, "")
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
	}
	assert.Equal(t, 1, ok)

	offers, err := fs.ListOffersByListing(ctx, listing)
	require.NoError(t, err)
	assert.Len(t, offers, 1)
}

// An 80 offer on a 100 listing is accepted; a 120 offer is rejected.
func TestAcceptScenario(t *testing.T) {
	ctx := context.Background()
	fs, led := newFixture(t)

	_, err := led.SubmitOffer(ctx, buyer2, listing, 120, "")
	require.Error(t, err)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	offer, err := led.SubmitOffer(ctx, buyer, listing, 80, "Can pick up today")
	require.NoError(t, err)
	competing, err := led.SubmitOffer(ctx, buyer2, listing, 70, "")
	require.NoError(t, err)

	res, err := led.AcceptOffer(ctx, seller, offer.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OfferStatusAccepted, res.Offer.Status)
	require.NotNil(t, res.Transaction)
	assert.Equal(t, 80.0, res.Transaction.FinalPrice)
	assert.Equal(t, buyer, res.Transaction.BuyerID)
	assert.Equal(t, seller, res.Transaction.SellerID)
	assert.Equal(t, models.TransactionStatusPending, res.Transaction.Status)
	assert.True(t, res.Workflow.Complete())

	l, err := fs.GetListing(ctx, listing)
	require.NoError(t, err)
	assert.Equal(t, models.ListingStatusSold, l.Status)

	other, err := fs.GetOffer(ctx, competing.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OfferStatusDeclined, other.Status)

	txs, err := led.ListTransactions(ctx, buyer)
	require.NoError(t, err)
	assert.Len(t, txs, 1)

	_, err = led.SubmitOffer(ctx, "buyer-3", listing, 90, "")
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestAcceptOfferTwice(t *testing.T) {
	ctx := context.Background()
	fs, led := newFixture(t)
	offer, err := led.SubmitOffer(ctx, buyer, listing, 80, "")
	require.NoError(t, err)

	_, err = led.AcceptOffer(ctx, seller, offer.ID)
	require.NoError(t, err)
	_, err = led.AcceptOffer(ctx, seller, offer.ID)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	txs, err := fs.ListTransactionsByUser(ctx, seller)
	require.NoError(t, err)
	assert.Len(t, txs, 1)
}

// gatedStore, once armed, holds the next two listing reads until both have
// arrived, so two accepts pass their pre-checks before either writes.
type gatedStore struct {
	*flakyStore
	mu    sync.Mutex
	armed bool
	calls int
	gate  sync.WaitGroup
}

func (g *gatedStore) GetListing(ctx context.Context, id string) (*models.Listing, error) {
	l, err := g.flakyStore.GetListing(ctx, id)
	g.mu.Lock()
	wait := g.armed && g.calls < 2
	if wait {
		g.calls++
	}
	g.mu.Unlock()
	if wait {
		g.gate.Done()
		g.gate.Wait()
	}
	return l, err
}

func TestConcurrentAcceptsOfDifferentOffers(t *testing.T) {
	ctx := context.Background()
	fs, _ := newFixture(t)
	gs := &gatedStore{flakyStore: fs}
	led := NewLedger(gs, NewMemoryJournal())

	first, err := led.SubmitOffer(ctx, buyer, listing, 80, "")
	require.NoError(t, err)
	second, err := led.SubmitOffer(ctx, buyer2, listing, 70, "")
	require.NoError(t, err)
	gs.gate.Add(2)
	gs.mu.Lock()
	gs.armed = true
	gs.mu.Unlock()

	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i, id := range []string{first.ID, second.ID} {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			_, errs[i] = led.AcceptOffer(ctx, seller, id)
		}(i, id)
	}
	wg.Wait()

	var failed []error
	for _, err := range errs {
		if err != nil {
			failed = append(failed, err)
		}
	}
	require.Len(t, failed, 1)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(failed[0]))

	offers, err := fs.ListOffersByListing(ctx, listing)
	require.NoError(t, err)
	accepted := 0
	for _, o := range offers {
		if o.Status == models.OfferStatusAccepted {
			accepted++
		}
	}
	assert.Equal(t, 1, accepted)
	txs, err := fs.ListTransactionsByUser(ctx, seller)
	require.NoError(t, err)
	assert.Len(t, txs, 1)
}

func TestAcceptAfterPartialFailureRejectsSecondOffer(t *testing.T) {
	ctx := context.Background()
	fs, led := newFixture(t)
	first, err := led.SubmitOffer(ctx, buyer, listing, 80, "")
	require.NoError(t, err)
	second, err := led.SubmitOffer(ctx, buyer2, listing, 70, "")
	require.NoError(t, err)

	fs.failListing = errors.New("timeout")
	fs.failDecline = errors.New("timeout")
	_, err = led.AcceptOffer(ctx, seller, first.ID)
	assert.Equal(t, apperr.KindPartialWorkflow, apperr.KindOf(err))

	fs.failListing = nil
	fs.failDecline = nil
	_, err = led.AcceptOffer(ctx, seller, second.ID)
	require.Error(t, err)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
	assert.Contains(t, err.Error(), "already has an accepted offer")

	got, _ := fs.GetOffer(ctx, second.ID)
	assert.Equal(t, models.OfferStatusPending, got.Status)
	txs, _ := fs.ListTransactionsByUser(ctx, seller)
	assert.Len(t, txs, 1)
}

func TestAcceptOfferAuthorization(t *testing.T) {
	ctx := context.Background()
	_, led := newFixture(t)
	offer, err := led.SubmitOffer(ctx, buyer, listing, 80, "")
	require.NoError(t, err)

	_, err = led.AcceptOffer(ctx, buyer, offer.ID)
	assert.Equal(t, apperr.KindAuthorization, apperr.KindOf(err))
	_, err = led.DeclineOffer(ctx, buyer, offer.ID)
	assert.Equal(t, apperr.KindAuthorization, apperr.KindOf(err))
	_, err = led.WithdrawOffer(ctx, seller, offer.ID)
	assert.Equal(t, apperr.KindAuthorization, apperr.KindOf(err))
	_, err = led.ListListingOffers(ctx, buyer, listing)
	assert.Equal(t, apperr.KindAuthorization, apperr.KindOf(err))
}

func TestDeclineAndWithdrawRequirePending(t *testing.T) {
	ctx := context.Background()
	_, led := newFixture(t)
	offer, err := led.SubmitOffer(ctx, buyer, listing, 80, "")
	require.NoError(t, err)

	declined, err := led.DeclineOffer(ctx, seller, offer.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OfferStatusDeclined, declined.Status)

	_, err = led.DeclineOffer(ctx, seller, offer.ID)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
	_, err = led.WithdrawOffer(ctx, buyer, offer.ID)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
	_, err = led.AcceptOffer(ctx, seller, offer.ID)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestAcceptFirstStepFailureIsTransient(t *testing.T) {
	ctx := context.Background()
	fs, led := newFixture(t)
	offer, err := led.SubmitOffer(ctx, buyer, listing, 80, "")
	require.NoError(t, err)

	fs.failTransition = errors.New("connection reset")
	_, err = led.AcceptOffer(ctx, seller, offer.ID)
	assert.Equal(t, apperr.KindTransient, apperr.KindOf(err))

	got, err := fs.GetOffer(ctx, offer.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OfferStatusPending, got.Status)
	_, err = led.Workflow(ctx, offer.ID)
	assert.ErrorIs(t, err, ErrNoWorkflow)
}

func TestAcceptPartialFailureAndResume(t *testing.T) {
	ctx := context.Background()
	fs, led := newFixture(t)
	offer, err := led.SubmitOffer(ctx, buyer, listing, 80, "")
	require.NoError(t, err)
	competing, err := led.SubmitOffer(ctx, buyer2, listing, 60, "")
	require.NoError(t, err)

	fs.failListing = errors.New("timeout")
	_, err = led.AcceptOffer(ctx, seller, offer.ID)
	require.Error(t, err)
	assert.Equal(t, apperr.KindPartialWorkflow, apperr.KindOf(err))

	var partial *PartialAcceptError
	require.ErrorAs(t, err, &partial)
	w := partial.Workflow
	assert.True(t, w.Done(StepOfferAccepted))
	assert.True(t, w.Done(StepTransactionCreated))
	assert.False(t, w.Done(StepListingSold))
	assert.True(t, w.Done(StepSiblingsDeclined), "later steps still run after a failure")
	assert.Equal(t, StepTransactionCreated, w.Furthest())
	assert.Equal(t, []Step{StepListingSold}, w.Missing())
	assert.Contains(t, w.Failures[StepListingSold], "timeout")

	got, _ := fs.GetOffer(ctx, offer.ID)
	assert.Equal(t, models.OfferStatusAccepted, got.Status, "step one is never reverted")
	sib, _ := fs.GetOffer(ctx, competing.ID)
	assert.Equal(t, models.OfferStatusDeclined, sib.Status)

	fs.failListing = nil
	res, err := led.ResumeAccept(ctx, seller, offer.ID)
	require.NoError(t, err)
	assert.True(t, res.Workflow.Complete())
	assert.Empty(t, res.Workflow.Failures)
	require.NotNil(t, res.Transaction)
	assert.Equal(t, w.TransactionID, res.Transaction.ID)

	l, _ := fs.GetListing(ctx, listing)
	assert.Equal(t, models.ListingStatusSold, l.Status)
	txs, _ := fs.ListTransactionsByUser(ctx, buyer)
	assert.Len(t, txs, 1)
}

func TestResumeWithoutJournalReconstructs(t *testing.T) {
	ctx := context.Background()
	fs, led := newFixture(t)
	offer, err := led.SubmitOffer(ctx, buyer, listing, 80, "")
	require.NoError(t, err)

	fs.failTransaction = errors.New("deadlock detected")
	_, err = led.AcceptOffer(ctx, seller, offer.ID)
	require.Equal(t, apperr.KindPartialWorkflow, apperr.KindOf(err))
	fs.failTransaction = nil

	fresh := NewLedger(fs, NewMemoryJournal())
	res, err := fresh.ResumeAccept(ctx, seller, offer.ID)
	require.NoError(t, err)
	require.NotNil(t, res.Transaction)
	assert.Equal(t, 80.0, res.Transaction.FinalPrice)
	assert.True(t, res.Workflow.Complete())

	_, err = fresh.ResumeAccept(ctx, buyer, offer.ID)
	assert.Equal(t, apperr.KindAuthorization, apperr.KindOf(err))
}

func TestListingAndBuyerViews(t *testing.T) {
	ctx := context.Background()
	_, led := newFixture(t)
	_, err := led.SubmitOffer(ctx, buyer, listing, 80, "")
	require.NoError(t, err)
	_, err = led.SubmitOffer(ctx, buyer2, listing, 75, "")
	require.NoError(t, err)

	forOwner, err := led.ListListingOffers(ctx, seller, listing)
	require.NoError(t, err)
	require.Len(t, forOwner, 2)
	usernames := map[string]string{}
	for _, o := range forOwner {
		usernames[o.BuyerID] = o.Buyer.Username
	}
	assert.Equal(t, "bea", usernames[buyer])
	assert.Equal(t, "unknown", usernames[buyer2])

	mine, err := led.ListMyOffers(ctx, buyer)
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, "cover.jpg", mine[0].Listing.CoverImageURL)
	assert.Equal(t, "sam", mine[0].Seller.Username)
}
