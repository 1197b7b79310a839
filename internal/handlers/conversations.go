package handlers

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/aaronwang/bazaar/internal/apperr"
	"github.com/aaronwang/bazaar/internal/store"
)

type conversationRequest struct {
	ListingID string `json:"listing_id"`
	// BuyerID is required when the caller is the seller
	BuyerID string `json:"buyer_id,omitempty"`
}

type messageRequest struct {
	Content   string  `json:"content"`
	ClientRef *string `json:"client_ref,omitempty"`
}

// ListConversations returns the caller's inbox, most recent first
func (h *Handler) ListConversations(w http.ResponseWriter, r *http.Request) {
	list, err := h.directory.ListConversations(r.Context(), currentUser(r))
	if err != nil {
		h.respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, list)
}

// FindOrCreateConversation opens the thread between the caller and the other
// side of a listing. A buyer names only the listing; the owner also names the buyer.
func (h *Handler) FindOrCreateConversation(w http.ResponseWriter, r *http.Request) {
	const op = "find or create conversation"

	var req conversationRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.ListingID == "" {
		respondError(w, http.StatusBadRequest, "Listing ID is required")
		return
	}

	ctx := r.Context()
	listing, err := h.store.GetListing(ctx, req.ListingID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.respondAppError(w, r, apperr.NotFound(op, "listing not found", err))
			return
		}
		h.respondAppError(w, r, apperr.Transient(op, err))
		return
	}

	user := currentUser(r)
	buyerID := user
	if listing.OwnerID == user {
		buyerID = req.BuyerID
	}
	conv, err := h.directory.FindOrCreateConversation(ctx, req.ListingID, buyerID, listing.OwnerID)
	if err != nil {
		h.respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, conv)
}

// LoadHistory returns the conversation's messages oldest first
func (h *Handler) LoadHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	convID := mux.Vars(r)["id"]
	if _, err := h.messages.Conversation(ctx, convID, currentUser(r)); err != nil {
		h.respondAppError(w, r, err)
		return
	}
	history, err := h.messages.LoadHistory(ctx, convID)
	if err != nil {
		h.respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, history)
}

// SendMessage posts a message from the caller
func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	msg, err := h.messages.Post(r.Context(), mux.Vars(r)["id"], currentUser(r), req.Content, req.ClientRef)
	if err != nil {
		h.respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, msg)
}

// MarkRead marks the conversation read for the caller
func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	convID := mux.Vars(r)["id"]
	user := currentUser(r)
	if _, err := h.messages.Conversation(ctx, convID, user); err != nil {
		h.respondAppError(w, r, err)
		return
	}
	n, err := h.messages.MarkRead(ctx, convID, user)
	if err != nil {
		h.respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{"marked": n})
}

// UnreadCount returns the caller's global unread total
func (h *Handler) UnreadCount(w http.ResponseWriter, r *http.Request) {
	n, err := h.store.CountUnread(r.Context(), currentUser(r))
	if err != nil {
		h.respondAppError(w, r, apperr.Transient("count unread", err))
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{"unread": n})
}
