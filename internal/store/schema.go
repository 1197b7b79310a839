package store

// schema creates the tables, the uniqueness guards the negotiation rules rely on,
// and the triggers that publish every row change on the row_changes NOTIFY channel.
const schema = `
CREATE TABLE IF NOT EXISTS profiles (
	id VARCHAR(255) PRIMARY KEY,
	username VARCHAR(255) NOT NULL,
	avatar_url TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS listings (
	id VARCHAR(255) PRIMARY KEY,
	owner_id VARCHAR(255) NOT NULL,
	title VARCHAR(255) NOT NULL,
	price NUMERIC(12, 2) NOT NULL CHECK (price > 0),
	status VARCHAR(20) NOT NULL DEFAULT 'active',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS listing_images (
	listing_id VARCHAR(255) NOT NULL REFERENCES listings(id) ON DELETE CASCADE,
	image_url TEXT NOT NULL,
	display_order INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS offers (
	id VARCHAR(255) PRIMARY KEY,
	listing_id VARCHAR(255) NOT NULL REFERENCES listings(id) ON DELETE CASCADE,
	buyer_id VARCHAR(255) NOT NULL,
	amount NUMERIC(12, 2) NOT NULL CHECK (amount > 0),
	message VARCHAR(500),
	status VARCHAR(20) NOT NULL DEFAULT 'pending',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS transactions (
	id VARCHAR(255) PRIMARY KEY,
	listing_id VARCHAR(255) NOT NULL,
	buyer_id VARCHAR(255) NOT NULL,
	seller_id VARCHAR(255) NOT NULL,
	offer_id VARCHAR(255) NOT NULL UNIQUE REFERENCES offers(id),
	final_price NUMERIC(12, 2) NOT NULL,
	status VARCHAR(20) NOT NULL DEFAULT 'pending',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS conversations (
	id VARCHAR(255) PRIMARY KEY,
	listing_id VARCHAR(255) REFERENCES listings(id) ON DELETE SET NULL,
	buyer_id VARCHAR(255) NOT NULL,
	seller_id VARCHAR(255) NOT NULL,
	last_message_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	CHECK (buyer_id <> seller_id)
);

CREATE TABLE IF NOT EXISTS messages (
	id VARCHAR(255) PRIMARY KEY,
	conversation_id VARCHAR(255) NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
	sender_id VARCHAR(255) NOT NULL,
	content TEXT NOT NULL CHECK (char_length(content) <= 4000),
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	read_at TIMESTAMPTZ,
	client_ref VARCHAR(255)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_offers_one_pending ON offers(listing_id, buyer_id) WHERE status = 'pending';
CREATE UNIQUE INDEX IF NOT EXISTS idx_offers_one_accepted ON offers(listing_id) WHERE status = 'accepted';
CREATE INDEX IF NOT EXISTS idx_offers_listing_id ON offers(listing_id);
CREATE INDEX IF NOT EXISTS idx_offers_buyer_id ON offers(buyer_id);
CREATE INDEX IF NOT EXISTS idx_listing_images_listing_id ON listing_images(listing_id, display_order);
CREATE UNIQUE INDEX IF NOT EXISTS idx_conversations_triple ON conversations(listing_id, buyer_id, seller_id);
CREATE INDEX IF NOT EXISTS idx_conversations_buyer_id ON conversations(buyer_id);
CREATE INDEX IF NOT EXISTS idx_conversations_seller_id ON conversations(seller_id);
CREATE INDEX IF NOT EXISTS idx_messages_conversation_created ON messages(conversation_id, created_at);
CREATE INDEX IF NOT EXISTS idx_messages_unread ON messages(conversation_id) WHERE read_at IS NULL;

CREATE OR REPLACE FUNCTION notify_row_change() RETURNS trigger AS $$
DECLARE
	new_row jsonb;
	old_row jsonb;
BEGIN
	IF TG_OP <> 'DELETE' THEN
		new_row := to_jsonb(NEW);
	END IF;
	IF TG_OP <> 'INSERT' THEN
		old_row := to_jsonb(OLD);
	END IF;
	-- pg_notify payloads are capped at 8000 bytes; readers fetch bodies by id
	IF TG_TABLE_NAME = 'messages' THEN
		new_row := new_row - 'content';
		old_row := old_row - 'content';
	END IF;
	PERFORM pg_notify('row_changes', json_build_object(
		'table', TG_TABLE_NAME,
		'op', TG_OP,
		'new', new_row,
		'old', old_row,
		'commit_time', now()
	)::text);
	RETURN NULL;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS listings_notify ON listings;
CREATE TRIGGER listings_notify AFTER INSERT OR UPDATE OR DELETE ON listings
	FOR EACH ROW EXECUTE FUNCTION notify_row_change();

DROP TRIGGER IF EXISTS offers_notify ON offers;
CREATE TRIGGER offers_notify AFTER INSERT OR UPDATE OR DELETE ON offers
	FOR EACH ROW EXECUTE FUNCTION notify_row_change();

DROP TRIGGER IF EXISTS transactions_notify ON transactions;
CREATE TRIGGER transactions_notify AFTER INSERT OR UPDATE OR DELETE ON transactions
	FOR EACH ROW EXECUTE FUNCTION notify_row_change();

DROP TRIGGER IF EXISTS conversations_notify ON conversations;
CREATE TRIGGER conversations_notify AFTER INSERT OR UPDATE OR DELETE ON conversations
	FOR EACH ROW EXECUTE FUNCTION notify_row_change();

DROP TRIGGER IF EXISTS messages_notify ON messages;
CREATE TRIGGER messages_notify AFTER INSERT OR UPDATE OR DELETE ON messages
	FOR EACH ROW EXECUTE FUNCTION notify_row_change();
`
