package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/aaronwang/bazaar/shared/models"
)

// PostgresStore is the production Store on PostgreSQL
type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgresStore connects to the database at connStr
func NewPostgresStore(connStr string) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &PostgresStore{db: db}, nil
}

// InitSchema creates tables, indexes and change triggers
func (s *PostgresStore) InitSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Close closes the connection pool
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// translate maps driver errors onto the store sentinels
func translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Name() {
		case "unique_violation":
			return fmt.Errorf("%w: %s", ErrConflict, pqErr.Constraint)
		case "foreign_key_violation":
			return fmt.Errorf("%w: %s", ErrNotFound, pqErr.Constraint)
		}
	}
	return err
}

// Listings

const listingColumns = `id, owner_id, title, price, status, created_at`

func (s *PostgresStore) CreateListing(ctx context.Context, l *models.Listing) error {
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	if l.Status == "" {
		l.Status = models.ListingStatusActive
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO listings (`+listingColumns+`)
		VALUES (:id, :owner_id, :title, :price, :status, :created_at)
	`, l)
	if err != nil {
		return fmt.Errorf("failed to insert listing: %w", translate(err))
	}
	return nil
}

func (s *PostgresStore) AddListingImage(ctx context.Context, img models.ListingImage) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO listing_images (listing_id, image_url, display_order) VALUES ($1, $2, $3)`,
		img.ListingID, img.ImageURL, img.DisplayOrder)
	if err != nil {
		return fmt.Errorf("failed to insert listing image: %w", translate(err))
	}
	return nil
}

func (s *PostgresStore) GetListing(ctx context.Context, id string) (*models.Listing, error) {
	var l models.Listing
	err := s.db.GetContext(ctx, &l, `SELECT `+listingColumns+` FROM listings WHERE id = $1`, id)
	if err != nil {
		return nil, translate(err)
	}
	return &l, nil
}

func (s *PostgresStore) GetListingSnapshots(ctx context.Context, ids []string) (map[string]*models.ListingSnapshot, error) {
	out := make(map[string]*models.ListingSnapshot, len(ids))
	ids = Distinct(ids)
	if len(ids) == 0 {
		return out, nil
	}
	var rows []*models.ListingSnapshot
	err := s.db.SelectContext(ctx, &rows, `
		SELECT l.id, l.owner_id, l.title, l.price, l.status,
		       COALESCE(cover.image_url, '') AS cover_image_url
		FROM listings l
		LEFT JOIN LATERAL (
			SELECT image_url FROM listing_images
			WHERE listing_id = l.id
			ORDER BY display_order
			LIMIT 1
		) cover ON true
		WHERE l.id = ANY($1)
	`, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("failed to query listing snapshots: %w", err)
	}
	for _, r := range rows {
		out[r.ID] = r
	}
	return out, nil
}

func (s *PostgresStore) UpdateListingStatus(ctx context.Context, id string, status models.ListingStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE listings SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("failed to update listing: %w", err)
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// Offers

const offerColumns = `id, listing_id, buyer_id, amount, message, status, created_at`

func (s *PostgresStore) GetOffer(ctx context.Context, id string) (*models.Offer, error) {
	var o models.Offer
	if err := s.db.GetContext(ctx, &o, `SELECT `+offerColumns+` FROM offers WHERE id = $1`, id); err != nil {
		return nil, translate(err)
	}
	return &o, nil
}

func (s *PostgresStore) FindPendingOffer(ctx context.Context, listingID, buyerID string) (*models.Offer, error) {
	var o models.Offer
	err := s.db.GetContext(ctx, &o, `
		SELECT `+offerColumns+` FROM offers
		WHERE listing_id = $1 AND buyer_id = $2 AND status = 'pending'
	`, listingID, buyerID)
	if err != nil {
		return nil, translate(err)
	}
	return &o, nil
}

// CreateOffer relies on idx_offers_one_pending to reject a second pending offer
func (s *PostgresStore) CreateOffer(ctx context.Context, o *models.Offer) error {
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO offers (`+offerColumns+`)
		VALUES (:id, :listing_id, :buyer_id, :amount, :message, :status, :created_at)
	`, o)
	if err != nil {
		return fmt.Errorf("failed to insert offer: %w", translate(err))
	}
	return nil
}

func (s *PostgresStore) TransitionOffer(ctx context.Context, id string, from, to models.OfferStatus) (*models.Offer, error) {
	var o models.Offer
	err := s.db.GetContext(ctx, &o, `
		UPDATE offers SET status = $3
		WHERE id = $1 AND status = $2
		RETURNING `+offerColumns, id, from, to)
	if err == nil {
		return &o, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to update offer: %w", translate(err))
	}
	// distinguish a missing offer from a lost compare-and-set
	if _, err := s.GetOffer(ctx, id); err != nil {
		return nil, err
	}
	return nil, ErrStaleStatus
}

func (s *PostgresStore) DeclinePendingOffers(ctx context.Context, listingID, exceptID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE offers SET status = 'declined'
		WHERE listing_id = $1 AND id <> $2 AND status = 'pending'
	`, listingID, exceptID)
	if err != nil {
		return 0, fmt.Errorf("failed to decline offers: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(n), nil
}

func (s *PostgresStore) ListOffersByListing(ctx context.Context, listingID string) ([]*models.Offer, error) {
	return s.selectOffers(ctx, `WHERE listing_id = $1`, listingID)
}

func (s *PostgresStore) ListOffersByBuyer(ctx context.Context, buyerID string) ([]*models.Offer, error) {
	return s.selectOffers(ctx, `WHERE buyer_id = $1`, buyerID)
}

func (s *PostgresStore) selectOffers(ctx context.Context, where string, arg string) ([]*models.Offer, error) {
	offers := []*models.Offer{}
	err := s.db.SelectContext(ctx, &offers,
		`SELECT `+offerColumns+` FROM offers `+where+` ORDER BY created_at DESC, id DESC`, arg)
	if err != nil {
		return nil, fmt.Errorf("failed to query offers: %w", err)
	}
	return offers, nil
}

// Transactions

const transactionColumns = `id, listing_id, buyer_id, seller_id, offer_id, final_price, status, created_at`

func (s *PostgresStore) CreateTransaction(ctx context.Context, tx *models.Transaction) error {
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}
	if tx.Status == "" {
		tx.Status = models.TransactionStatusPending
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO transactions (`+transactionColumns+`)
		VALUES (:id, :listing_id, :buyer_id, :seller_id, :offer_id, :final_price, :status, :created_at)
	`, tx)
	if err != nil {
		return fmt.Errorf("failed to insert transaction: %w", translate(err))
	}
	return nil
}

func (s *PostgresStore) GetTransactionByOffer(ctx context.Context, offerID string) (*models.Transaction, error) {
	var tx models.Transaction
	err := s.db.GetContext(ctx, &tx, `SELECT `+transactionColumns+` FROM transactions WHERE offer_id = $1`, offerID)
	if err != nil {
		return nil, translate(err)
	}
	return &tx, nil
}

func (s *PostgresStore) ListTransactionsByUser(ctx context.Context, userID string) ([]*models.Transaction, error) {
	txs := []*models.Transaction{}
	err := s.db.SelectContext(ctx, &txs, `
		SELECT `+transactionColumns+` FROM transactions
		WHERE buyer_id = $1 OR seller_id = $1
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	return txs, nil
}

// Conversations

const conversationColumns = `id, listing_id, buyer_id, seller_id, last_message_at, created_at`

func (s *PostgresStore) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	var c models.Conversation
	err := s.db.GetContext(ctx, &c, `SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, id)
	if err != nil {
		return nil, translate(err)
	}
	return &c, nil
}

func (s *PostgresStore) FindConversation(ctx context.Context, listingID, buyerID, sellerID string) (*models.Conversation, error) {
	var c models.Conversation
	err := s.db.GetContext(ctx, &c, `
		SELECT `+conversationColumns+` FROM conversations
		WHERE listing_id = $1 AND buyer_id = $2 AND seller_id = $3
	`, listingID, buyerID, sellerID)
	if err != nil {
		return nil, translate(err)
	}
	return &c, nil
}

// CreateConversation relies on idx_conversations_triple to reject a duplicate triple
func (s *PostgresStore) CreateConversation(ctx context.Context, c *models.Conversation) error {
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.LastMessageAt.IsZero() {
		c.LastMessageAt = now
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO conversations (`+conversationColumns+`)
		VALUES (:id, :listing_id, :buyer_id, :seller_id, :last_message_at, :created_at)
	`, c)
	if err != nil {
		return fmt.Errorf("failed to insert conversation: %w", translate(err))
	}
	return nil
}

func (s *PostgresStore) ListConversationsByUser(ctx context.Context, userID string) ([]*models.Conversation, error) {
	convs := []*models.Conversation{}
	err := s.db.SelectContext(ctx, &convs, `
		SELECT `+conversationColumns+` FROM conversations
		WHERE buyer_id = $1 OR seller_id = $1
		ORDER BY last_message_at DESC, id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversations: %w", err)
	}
	return convs, nil
}

// Messages

const messageColumns = `id, conversation_id, sender_id, content, created_at, read_at, client_ref`

func (s *PostgresStore) CreateMessage(ctx context.Context, m *models.Message) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.NamedExecContext(ctx, `
		INSERT INTO messages (`+messageColumns+`)
		VALUES (:id, :conversation_id, :sender_id, :content, :created_at, :read_at, :client_ref)
	`, m)
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", translate(err))
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE conversations SET last_message_at = $2
		WHERE id = $1 AND last_message_at < $2
	`, m.ConversationID, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to bump conversation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit message: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	var m models.Message
	if err := s.db.GetContext(ctx, &m, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, id); err != nil {
		return nil, translate(err)
	}
	return &m, nil
}

func (s *PostgresStore) ListMessages(ctx context.Context, conversationIDs []string) ([]*models.Message, error) {
	msgs := []*models.Message{}
	ids := Distinct(conversationIDs)
	if len(ids) == 0 {
		return msgs, nil
	}
	err := s.db.SelectContext(ctx, &msgs, `
		SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = ANY($1)
		ORDER BY created_at, id
	`, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	return msgs, nil
}

func (s *PostgresStore) MarkMessagesRead(ctx context.Context, conversationID, readerID string, at time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET read_at = $3
		WHERE conversation_id = $1 AND sender_id <> $2 AND read_at IS NULL
	`, conversationID, readerID, at)
	if err != nil {
		return 0, fmt.Errorf("failed to mark messages read: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(n), nil
}

func (s *PostgresStore) CountUnread(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `
		SELECT COUNT(*) FROM messages m
		JOIN conversations c ON c.id = m.conversation_id
		WHERE (c.buyer_id = $1 OR c.seller_id = $1)
		  AND m.sender_id <> $1
		  AND m.read_at IS NULL
	`, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to count unread messages: %w", err)
	}
	return n, nil
}

// Profiles

func (s *PostgresStore) UpsertProfile(ctx context.Context, p *models.Profile) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO profiles (id, username, avatar_url)
		VALUES (:id, :username, :avatar_url)
		ON CONFLICT (id) DO UPDATE SET username = EXCLUDED.username, avatar_url = EXCLUDED.avatar_url
	`, p)
	if err != nil {
		return fmt.Errorf("failed to upsert profile: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetProfiles(ctx context.Context, ids []string) (map[string]*models.Profile, error) {
	out := make(map[string]*models.Profile, len(ids))
	ids = Distinct(ids)
	if len(ids) == 0 {
		return out, nil
	}
	var rows []*models.Profile
	err := s.db.SelectContext(ctx, &rows, `SELECT id, username, avatar_url FROM profiles WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("failed to query profiles: %w", err)
	}
	for _, p := range rows {
		out[p.ID] = p
	}
	return out, nil
}
