package offers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aaronwang/bazaar/internal/apperr"
	"github.com/aaronwang/bazaar/internal/store"
	"github.com/aaronwang/bazaar/shared/models"
)

// Step is one ordered step of the accept workflow
type Step int

// Accept workflow steps, in execution order
const (
	StepOfferAccepted Step = iota + 1
	StepTransactionCreated
	StepListingSold
	StepSiblingsDeclined
)

var acceptSteps = []Step{StepOfferAccepted, StepTransactionCreated, StepListingSold, StepSiblingsDeclined}

func (s Step) String() string {
	switch s {
	case StepOfferAccepted:
		return "offer_accepted"
	case StepTransactionCreated:
		return "transaction_created"
	case StepListingSold:
		return "listing_sold"
	case StepSiblingsDeclined:
		return "siblings_declined"
	}
	return "none"
}

// ParseStep is the inverse of Step.String
func ParseStep(name string) (Step, bool) {
	for _, s := range acceptSteps {
		if s.String() == name {
			return s, true
		}
	}
	return 0, false
}

// MarshalText encodes the step by name, so workflow maps serialize readably
func (s Step) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Step) UnmarshalText(b []byte) error {
	step, ok := ParseStep(string(b))
	if !ok {
		return fmt.Errorf("unknown accept step %q", b)
	}
	*s = step
	return nil
}

// AcceptWorkflow records how far the accept of one offer got
type AcceptWorkflow struct {
	OfferID       string             `json:"offer_id"`
	ListingID     string             `json:"listing_id"`
	BuyerID       string             `json:"buyer_id"`
	SellerID      string             `json:"seller_id"`
	Amount        float64            `json:"amount"`
	TransactionID string             `json:"transaction_id,omitempty"`
	Completed     map[Step]time.Time `json:"completed"`
	Failures      map[Step]string    `json:"failures,omitempty"`
	StartedAt     time.Time          `json:"started_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

func newAcceptWorkflow(offer *models.Offer, listing *models.Listing, now time.Time) *AcceptWorkflow {
	return &AcceptWorkflow{
		OfferID:   offer.ID,
		ListingID: listing.ID,
		BuyerID:   offer.BuyerID,
		SellerID:  listing.OwnerID,
		Amount:    offer.Amount,
		Completed: make(map[Step]time.Time),
		Failures:  make(map[Step]string),
		StartedAt: now,
		UpdatedAt: now,
	}
}

// Done reports whether step completed
func (w *AcceptWorkflow) Done(step Step) bool {
	_, ok := w.Completed[step]
	return ok
}

// Complete reports whether every step completed
func (w *AcceptWorkflow) Complete() bool {
	for _, s := range acceptSteps {
		if !w.Done(s) {
			return false
		}
	}
	return true
}

// Furthest returns the last step of the completed prefix, or 0 when nothing completed
func (w *AcceptWorkflow) Furthest() Step {
	var furthest Step
	for _, s := range acceptSteps {
		if !w.Done(s) {
			break
		}
		furthest = s
	}
	return furthest
}

// Missing returns the steps that have not completed, in order
func (w *AcceptWorkflow) Missing() []Step {
	var out []Step
	for _, s := range acceptSteps {
		if !w.Done(s) {
			out = append(out, s)
		}
	}
	return out
}

func (w *AcceptWorkflow) markDone(step Step, at time.Time) {
	if w.Completed == nil {
		w.Completed = make(map[Step]time.Time)
	}
	w.Completed[step] = at
	delete(w.Failures, step)
	w.UpdatedAt = at
}

func (w *AcceptWorkflow) markFailed(step Step, err error, at time.Time) {
	if w.Failures == nil {
		w.Failures = make(map[Step]string)
	}
	w.Failures[step] = err.Error()
	w.UpdatedAt = at
}

// PartialAcceptError is returned when the offer was accepted but a later step failed.
// The offer is not reverted; ResumeAccept completes the missing steps.
type PartialAcceptError struct {
	Workflow *AcceptWorkflow
	Err      error
}

func (e *PartialAcceptError) Error() string {
	return fmt.Sprintf("accept offer %s: completed through %s, missing %v: %v",
		e.Workflow.OfferID, e.Workflow.Furthest(), e.Workflow.Missing(), e.Err)
}

func (e *PartialAcceptError) Unwrap() error { return e.Err }

// ErrorKind classifies the error as a partial workflow failure
func (e *PartialAcceptError) ErrorKind() apperr.Kind { return apperr.KindPartialWorkflow }

// AcceptResult is the outcome of a completed accept
type AcceptResult struct {
	Offer       *models.Offer       `json:"offer"`
	Transaction *models.Transaction `json:"transaction"`
	Workflow    *AcceptWorkflow     `json:"workflow"`
}

// AcceptOffer accepts a pending offer on the actor's listing:
// 1. Move the offer pending -> accepted (compare-and-set)
// 2. Record the transaction at the offer amount
// 3. Mark the listing sold
// 4. Decline every other pending offer on the listing
// A failure in step 1 leaves nothing changed. After step 1 every remaining
// step is attempted and failures are reported as *PartialAcceptError.
func (l *Ledger) AcceptOffer(ctx context.Context, actor, offerID string) (*AcceptResult, error) {
	const op = "accept offer"

	offer, listing, err := l.loadOffer(ctx, op, offerID)
	if err != nil {
		return nil, err
	}
	if listing.OwnerID != actor {
		return nil, apperr.Authorization(op, "only the listing owner can accept offers")
	}
	if offer.Status != models.OfferStatusPending {
		return nil, apperr.Validation(op, "offer is no longer pending")
	}
	if listing.Status == models.ListingStatusSold {
		return nil, apperr.Validation(op, "This listing has already been sold")
	}

	w := newAcceptWorkflow(offer, listing, l.now().UTC())

	accepted, err := l.store.TransitionOffer(ctx, offer.ID, models.OfferStatusPending, models.OfferStatusAccepted)
	if err != nil {
		if errors.Is(err, store.ErrStaleStatus) {
			return nil, apperr.Validation(op, "offer is no longer pending")
		}
		if errors.Is(err, store.ErrConflict) {
			return nil, apperr.Validation(op, "listing already has an accepted offer")
		}
		return nil, storeError(op, "offer", err)
	}
	w.markDone(StepOfferAccepted, l.now().UTC())
	l.saveWorkflow(ctx, w)

	l.logger.Info().Str("offer_id", offer.ID).Str("listing_id", listing.ID).Msg("[ACCEPT] offer accepted")
	return l.finishAccept(ctx, accepted, w)
}

// ResumeAccept completes the missing steps of an accepted offer's workflow.
// Without a journal entry the progress is reconstructed from the store.
func (l *Ledger) ResumeAccept(ctx context.Context, actor, offerID string) (*AcceptResult, error) {
	const op = "resume accept"

	offer, listing, err := l.loadOffer(ctx, op, offerID)
	if err != nil {
		return nil, err
	}
	if listing.OwnerID != actor {
		return nil, apperr.Authorization(op, "only the listing owner can resume an accept")
	}
	if offer.Status != models.OfferStatusAccepted {
		return nil, apperr.Validation(op, "offer has not been accepted")
	}

	w, err := l.journal.Load(ctx, offerID)
	switch {
	case errors.Is(err, ErrNoWorkflow):
		w, err = l.reconstruct(ctx, offer, listing)
		if err != nil {
			return nil, apperr.Transient(op, err)
		}
	case err != nil:
		return nil, apperr.Transient(op, err)
	}

	l.logger.Info().Str("offer_id", offerID).Str("furthest", w.Furthest().String()).Msg("[ACCEPT] resuming workflow")
	return l.finishAccept(ctx, offer, w)
}

func (l *Ledger) reconstruct(ctx context.Context, offer *models.Offer, listing *models.Listing) (*AcceptWorkflow, error) {
	now := l.now().UTC()
	w := newAcceptWorkflow(offer, listing, now)
	w.markDone(StepOfferAccepted, now)

	tx, err := l.store.GetTransactionByOffer(ctx, offer.ID)
	switch {
	case err == nil:
		w.TransactionID = tx.ID
		w.markDone(StepTransactionCreated, now)
	case !errors.Is(err, store.ErrNotFound):
		return nil, err
	}

	if listing.Status == models.ListingStatusSold {
		w.markDone(StepListingSold, now)
	}

	siblings, err := l.store.ListOffersByListing(ctx, listing.ID)
	if err != nil {
		return nil, err
	}
	pending := false
	for _, o := range siblings {
		if o.ID != offer.ID && o.Status == models.OfferStatusPending {
			pending = true
			break
		}
	}
	if !pending {
		w.markDone(StepSiblingsDeclined, now)
	}
	return w, nil
}

// finishAccept runs every missing step after the offer is accepted
func (l *Ledger) finishAccept(ctx context.Context, offer *models.Offer, w *AcceptWorkflow) (*AcceptResult, error) {
	result := &AcceptResult{Offer: offer, Workflow: w}
	var firstErr error

	for _, step := range w.Missing() {
		var err error
		switch step {
		case StepOfferAccepted:
			// never re-run; the offer status is the source of truth for step 1
			continue
		case StepTransactionCreated:
			result.Transaction, err = l.createTransaction(ctx, w)
		case StepListingSold:
			err = l.store.UpdateListingStatus(ctx, w.ListingID, models.ListingStatusSold)
		case StepSiblingsDeclined:
			var n int
			n, err = l.store.DeclinePendingOffers(ctx, w.ListingID, w.OfferID)
			if err == nil {
				l.logger.Info().Str("listing_id", w.ListingID).Int("declined", n).Msg("[ACCEPT] competing offers declined")
			}
		}

		if err != nil {
			l.logger.Error().Err(err).Str("offer_id", w.OfferID).Str("step", step.String()).Msg("[ACCEPT] step failed")
			w.markFailed(step, err, l.now().UTC())
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		w.markDone(step, l.now().UTC())
	}
	l.saveWorkflow(ctx, w)

	if firstErr != nil {
		return nil, &PartialAcceptError{Workflow: w, Err: firstErr}
	}

	if result.Transaction == nil {
		tx, err := l.store.GetTransactionByOffer(ctx, w.OfferID)
		if err != nil {
			l.logger.Warn().Err(err).Str("offer_id", w.OfferID).Msg("[ACCEPT] failed to load transaction for result")
		} else {
			result.Transaction = tx
		}
	}
	l.logger.Info().Str("offer_id", w.OfferID).Msg("[ACCEPT] workflow complete")
	return result, nil
}

// createTransaction is idempotent on the offer id
func (l *Ledger) createTransaction(ctx context.Context, w *AcceptWorkflow) (*models.Transaction, error) {
	tx := &models.Transaction{
		ID:         l.newID(),
		ListingID:  w.ListingID,
		BuyerID:    w.BuyerID,
		SellerID:   w.SellerID,
		OfferID:    w.OfferID,
		FinalPrice: w.Amount,
		Status:     models.TransactionStatusPending,
		CreatedAt:  l.now().UTC(),
	}
	err := l.store.CreateTransaction(ctx, tx)
	if errors.Is(err, store.ErrConflict) {
		tx, err = l.store.GetTransactionByOffer(ctx, w.OfferID)
	}
	if err != nil {
		return nil, err
	}
	w.TransactionID = tx.ID
	return tx, nil
}

// saveWorkflow journals progress; a journal failure never fails the accept
func (l *Ledger) saveWorkflow(ctx context.Context, w *AcceptWorkflow) {
	if err := l.journal.Save(ctx, w); err != nil {
		l.logger.Warn().Err(err).Str("offer_id", w.OfferID).Msg("[ACCEPT] failed to journal workflow")
	}
}

// Workflow returns the journaled workflow for an offer
func (l *Ledger) Workflow(ctx context.Context, offerID string) (*AcceptWorkflow, error) {
	return l.journal.Load(ctx, offerID)
}
