package offers

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNoWorkflow is returned by a Journal that has no entry for the offer
var ErrNoWorkflow = errors.New("no accept workflow recorded")

// Journal persists accept workflow progress
type Journal interface {
	Save(ctx context.Context, w *AcceptWorkflow) error
	Load(ctx context.Context, offerID string) (*AcceptWorkflow, error)
}

// MemoryJournal keeps workflows in process memory
type MemoryJournal struct {
	mu        sync.RWMutex
	workflows map[string]*AcceptWorkflow
}

// NewMemoryJournal creates an empty in-memory journal
func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{workflows: make(map[string]*AcceptWorkflow)}
}

func (j *MemoryJournal) Save(ctx context.Context, w *AcceptWorkflow) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.workflows[w.OfferID] = cloneWorkflow(w)
	return nil
}

func (j *MemoryJournal) Load(ctx context.Context, offerID string) (*AcceptWorkflow, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	w, ok := j.workflows[offerID]
	if !ok {
		return nil, ErrNoWorkflow
	}
	return cloneWorkflow(w), nil
}

func cloneWorkflow(w *AcceptWorkflow) *AcceptWorkflow {
	cp := *w
	cp.Completed = make(map[Step]time.Time, len(w.Completed))
	for k, v := range w.Completed {
		cp.Completed[k] = v
	}
	cp.Failures = make(map[Step]string, len(w.Failures))
	for k, v := range w.Failures {
		cp.Failures[k] = v
	}
	return &cp
}

// RedisJournal stores each workflow in a hash "accept_workflow:{offerID}".
// Fields: the workflow identity, "done:<step>" completion times and
// "failed:<step>" last error messages.
type RedisJournal struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisJournal creates a journal on client. Entries expire after ttl (0 keeps them).
func NewRedisJournal(client *redis.Client, ttl time.Duration) *RedisJournal {
	return &RedisJournal{client: client, ttl: ttl}
}

func workflowKey(offerID string) string {
	return fmt.Sprintf("accept_workflow:%s", offerID)
}

func (j *RedisJournal) Save(ctx context.Context, w *AcceptWorkflow) error {
	key := workflowKey(w.OfferID)
	fields := map[string]interface{}{
		"offer_id":       w.OfferID,
		"listing_id":     w.ListingID,
		"buyer_id":       w.BuyerID,
		"seller_id":      w.SellerID,
		"amount":         strconv.FormatFloat(w.Amount, 'f', -1, 64),
		"transaction_id": w.TransactionID,
		"started_at":     w.StartedAt.Format(time.RFC3339Nano),
		"updated_at":     w.UpdatedAt.Format(time.RFC3339Nano),
	}
	for step, at := range w.Completed {
		fields["done:"+step.String()] = at.Format(time.RFC3339Nano)
	}
	var cleared []string
	for _, step := range acceptSteps {
		if msg, ok := w.Failures[step]; ok {
			fields["failed:"+step.String()] = msg
		} else {
			cleared = append(cleared, "failed:"+step.String())
		}
	}

	pipe := j.client.TxPipeline()
	pipe.HSet(ctx, key, fields)
	if len(cleared) > 0 {
		pipe.HDel(ctx, key, cleared...)
	}
	if j.ttl > 0 {
		pipe.Expire(ctx, key, j.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save accept workflow: %w", err)
	}
	return nil
}

func (j *RedisJournal) Load(ctx context.Context, offerID string) (*AcceptWorkflow, error) {
	values, err := j.client.HGetAll(ctx, workflowKey(offerID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load accept workflow: %w", err)
	}
	if len(values) == 0 {
		return nil, ErrNoWorkflow
	}
	return decodeWorkflow(values)
}

func decodeWorkflow(values map[string]string) (*AcceptWorkflow, error) {
	w := &AcceptWorkflow{
		OfferID:       values["offer_id"],
		ListingID:     values["listing_id"],
		BuyerID:       values["buyer_id"],
		SellerID:      values["seller_id"],
		TransactionID: values["transaction_id"],
		Completed:     make(map[Step]time.Time),
		Failures:      make(map[Step]string),
	}
	if v := values["amount"]; v != "" {
		amount, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("failed to parse workflow amount: %w", err)
		}
		w.Amount = amount
	}
	w.StartedAt, _ = time.Parse(time.RFC3339Nano, values["started_at"])
	w.UpdatedAt, _ = time.Parse(time.RFC3339Nano, values["updated_at"])

	for field, v := range values {
		switch {
		case strings.HasPrefix(field, "done:"):
			step, ok := ParseStep(strings.TrimPrefix(field, "done:"))
			if !ok {
				continue
			}
			at, err := time.Parse(time.RFC3339Nano, v)
			if err != nil {
				return nil, fmt.Errorf("failed to parse completion of %s: %w", step, err)
			}
			w.Completed[step] = at
		case strings.HasPrefix(field, "failed:"):
			if step, ok := ParseStep(strings.TrimPrefix(field, "failed:")); ok {
				w.Failures[step] = v
			}
		}
	}
	return w, nil
}
