package handlers

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/aaronwang/bazaar/shared/models"
)

// SubmitOffer handles offer placement requests
func (h *Handler) SubmitOffer(w http.ResponseWriter, r *http.Request) {
	listingID := mux.Vars(r)["id"]

	var req models.OfferRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	offer, err := h.ledger.SubmitOffer(r.Context(), currentUser(r), listingID, req.Amount, req.Message)
	if err != nil {
		h.respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, offer)
}

// ListListingOffers returns every offer on a listing the caller owns
func (h *Handler) ListListingOffers(w http.ResponseWriter, r *http.Request) {
	list, err := h.ledger.ListListingOffers(r.Context(), currentUser(r), mux.Vars(r)["id"])
	if err != nil {
		h.respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, list)
}

// ListMyOffers returns the caller's offers as a buyer
func (h *Handler) ListMyOffers(w http.ResponseWriter, r *http.Request) {
	list, err := h.ledger.ListMyOffers(r.Context(), currentUser(r))
	if err != nil {
		h.respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, list)
}

// AcceptOffer runs the accept workflow for an offer on the caller's listing
func (h *Handler) AcceptOffer(w http.ResponseWriter, r *http.Request) {
	result, err := h.ledger.AcceptOffer(r.Context(), currentUser(r), mux.Vars(r)["id"])
	if err != nil {
		h.respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// ResumeAccept finishes an accept that stopped part way
func (h *Handler) ResumeAccept(w http.ResponseWriter, r *http.Request) {
	result, err := h.ledger.ResumeAccept(r.Context(), currentUser(r), mux.Vars(r)["id"])
	if err != nil {
		h.respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// DeclineOffer declines a pending offer on the caller's listing
func (h *Handler) DeclineOffer(w http.ResponseWriter, r *http.Request) {
	offer, err := h.ledger.DeclineOffer(r.Context(), currentUser(r), mux.Vars(r)["id"])
	if err != nil {
		h.respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, offer)
}

// WithdrawOffer withdraws the caller's own pending offer
func (h *Handler) WithdrawOffer(w http.ResponseWriter, r *http.Request) {
	offer, err := h.ledger.WithdrawOffer(r.Context(), currentUser(r), mux.Vars(r)["id"])
	if err != nil {
		h.respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, offer)
}

// ListTransactions returns transactions where the caller is buyer or seller
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	list, err := h.ledger.ListTransactions(r.Context(), currentUser(r))
	if err != nil {
		h.respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, list)
}
