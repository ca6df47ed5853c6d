package sqldb

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/warp/dues-engine/ledger"
)

// =============================================================================
// EVENT STORE (ledger.EventStore)
// =============================================================================

const eventColumns = `id, tenant_id, kind, family_id, member_id, amount, idempotency_key,
	effective_at, year, payment_type, payment_method, subscription_id,
	processor_tx_id, refunded_amount, description, event_type, created_at`

// eventRow is the flattened column set of every event variant.
type eventRow struct {
	id, tenantID, kind, familyID string
	memberID                     sql.NullString
	amount                       string
	idempotencyKey               sql.NullString
	effectiveAt                  string
	year                         int
	paymentType, paymentMethod   sql.NullString
	subscriptionID, processorTx  sql.NullString
	refunded                     sql.NullString
	description, eventType       sql.NullString
	createdAt                    string
}

// Append adds an event to the ledger.
func (c *conn) Append(ctx context.Context, e ledger.Event) error {
	h := e.Header()
	row := []any{
		h.ID, h.TenantID, e.Kind(), h.FamilyID, nullString(string(h.MemberID)),
		h.Amount.String(), nullString(h.IdempotencyKey), formatTime(e.EffectiveAt()),
	}

	var year int
	var paymentType, paymentMethod, subID, ptx sql.NullString
	var refunded, description, eventType sql.NullString
	switch v := e.(type) {
	case ledger.Payment:
		year = v.Year
		paymentType = nullString(string(v.Type))
		paymentMethod = nullString(string(v.Method))
		subID = nullString(string(v.SubscriptionID))
		ptx = nullString(v.ProcessorTxID)
		if !v.RefundedAmount.IsZero() {
			refunded = nullString(v.RefundedAmount.String())
		}
	case ledger.Withdrawal:
		description = nullString(v.Description)
	case ledger.LifecycleCharge:
		year = v.Year
		eventType = nullString(v.EventType)
	default:
		return fmt.Errorf("unsupported event type %T", e)
	}
	row = append(row, year, paymentType, paymentMethod, subID, ptx, refunded, description, eventType, formatTime(h.CreatedAt))

	_, err := c.exec(ctx, `INSERT INTO events (`+eventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, row...)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ledger.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// Events returns events matching q, ordered by effective time.
func (c *conn) Events(ctx context.Context, q ledger.EventQuery) ([]ledger.Event, error) {
	var (
		where []string
		args  []any
	)
	if q.TenantID != "" {
		where = append(where, "tenant_id = ?")
		args = append(args, q.TenantID)
	}
	if q.FamilyID != "" {
		where = append(where, "family_id = ?")
		args = append(args, q.FamilyID)
	}
	if q.MemberID != "" {
		where = append(where, "member_id = ?")
		args = append(args, q.MemberID)
	}
	if len(q.Kinds) > 0 {
		marks := make([]string, len(q.Kinds))
		for i, k := range q.Kinds {
			marks[i] = "?"
			args = append(args, string(k))
		}
		where = append(where, "kind IN ("+strings.Join(marks, ", ")+")")
	}
	if q.From != nil {
		where = append(where, "effective_at >= ?")
		args = append(args, formatTime(*q.From))
	}
	if q.To != nil {
		where = append(where, "effective_at <= ?")
		args = append(args, formatTime(*q.To))
	}

	query := "SELECT " + eventColumns + " FROM events"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY effective_at ASC, created_at ASC, id ASC"

	rows, err := c.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []ledger.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Exists checks if an idempotency key exists.
func (c *conn) Exists(ctx context.Context, idempotencyKey string) (bool, error) {
	var count int
	err := c.queryRow(ctx, "SELECT COUNT(*) FROM events WHERE idempotency_key = ?", idempotencyKey).Scan(&count)
	return count > 0, err
}

func scanEvent(rows *sql.Rows) (ledger.Event, error) {
	var r eventRow
	err := rows.Scan(
		&r.id, &r.tenantID, &r.kind, &r.familyID, &r.memberID, &r.amount, &r.idempotencyKey,
		&r.effectiveAt, &r.year, &r.paymentType, &r.paymentMethod, &r.subscriptionID,
		&r.processorTx, &r.refunded, &r.description, &r.eventType, &r.createdAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan event: %w", err)
	}

	amount, err := decimal.NewFromString(r.amount)
	if err != nil {
		return nil, fmt.Errorf("event %s: bad amount %q: %w", r.id, r.amount, err)
	}
	h := ledger.EventHeader{
		ID:             ledger.EventID(r.id),
		TenantID:       ledger.TenantID(r.tenantID),
		FamilyID:       ledger.FamilyID(r.familyID),
		MemberID:       ledger.MemberID(r.memberID.String),
		Amount:         amount,
		IdempotencyKey: r.idempotencyKey.String,
		CreatedAt:      parseTime(r.createdAt),
	}
	at := parseTime(r.effectiveAt)

	switch ledger.EventKind(r.kind) {
	case ledger.KindPayment:
		p := ledger.Payment{
			EventHeader:    h,
			PaymentDate:    at,
			Year:           r.year,
			Type:           ledger.PaymentType(r.paymentType.String),
			Method:         ledger.PaymentMethod(r.paymentMethod.String),
			SubscriptionID: ledger.SubscriptionID(r.subscriptionID.String),
			ProcessorTxID:  r.processorTx.String,
		}
		if r.refunded.Valid {
			p.RefundedAmount, _ = decimal.NewFromString(r.refunded.String)
		}
		return p, nil
	case ledger.KindWithdrawal:
		return ledger.Withdrawal{EventHeader: h, WithdrawalDate: at, Description: r.description.String}, nil
	case ledger.KindLifecycleCharge:
		return ledger.LifecycleCharge{EventHeader: h, EventDate: at, EventType: r.eventType.String, Year: r.year}, nil
	default:
		return nil, fmt.Errorf("event %s: unknown kind %q", r.id, r.kind)
	}
}
