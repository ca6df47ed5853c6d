/*
handlers.go - HTTP API handlers for the dues engine

PURPOSE:
  Exposes the ledger, statements, subscriptions and automation runs via
  a JSON REST API. Handlers parse and validate the request, call the
  domain and map domain errors to HTTP status codes.

ENDPOINTS:
  Directory:
    POST   /api/families                         Create family
    GET    /api/families                         List families
    POST   /api/members                          Create member

  Ledger:
    GET    /api/families/{id}/balance?as_of=     Family balance
    GET    /api/members/{id}/balance?as_of=      Member balance
    GET    /api/families/{id}/events?from=&to=   Family ledger entries
    POST   /api/families/{id}/payments           Manual payment
    POST   /api/families/{id}/withdrawals        Manual withdrawal
    POST   /api/families/{id}/lifecycle-charges  Manual lifecycle charge

  Statements:
    POST   /api/statements                       Generate
    GET    /api/statements?subject_type=&subject_id=

  Subscriptions:
    POST   /api/subscriptions                    Create
    GET    /api/subscriptions?active=&family_id= List
    GET    /api/subscriptions/{id}               Get
    POST   /api/subscriptions/{id}/cancel        Cancel

  Automation:
    GET    /api/tenants/{id}/automation          Settings
    PUT    /api/tenants/{id}/automation
    POST   /api/automation/monthly-payments
    POST   /api/automation/overdue-reminders
    POST   /api/automation/upcoming-reminders
    POST   /api/automation/run-daily

TENANCY:
  Record endpoints need a tenant: the bearer token's tenant_id, else the
  X-Tenant-ID header. Automation runs use the token's tenant when present
  and every enabled tenant otherwise.

ERROR HANDLING:
  - 400: Invalid input, inverted date range
  - 401: Bad tenant token (auth.go)
  - 404: Subject or record not found
  - 409: Duplicate idempotency key, active subscription exists, conflict
  - 502: Payment processor or notification failure
  - 500: Everything else
  Automation runs answer 200 with the report even when items failed.

SEE ALSO:
  - dto.go: Request/response data structures
  - auth.go: Tenant token middleware
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/warp/dues-engine/automation"
	"github.com/warp/dues-engine/billing"
	"github.com/warp/dues-engine/ledger"
	"github.com/warp/dues-engine/logger"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Deps are the collaborators of the HTTP layer.
type Deps struct {
	Store      ledger.TxStore
	Billing    *billing.Service
	Automation *automation.Orchestrator
	// Balances caches past balances and is invalidated on every manual
	// entry. Optional.
	Balances   *ledger.CachedBalances
	Statements *ledger.StatementGenerator
	Log        zerolog.Logger
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store      ledger.TxStore
	Ledger     *ledger.DefaultLedger
	Balances   ledger.BalanceSource
	Statements *ledger.StatementGenerator
	Billing    *billing.Service
	Automation *automation.Orchestrator
	Now        func() time.Time
	Log        zerolog.Logger

	// invalidate drops cached balances of a family; nil without a cache.
	invalidate func(ledger.TenantID, ledger.FamilyID)

	mu              sync.Mutex
	currentScenario string
}

func NewHandler(d Deps) *Handler {
	h := &Handler{
		Store:      d.Store,
		Ledger:     ledger.NewLedger(d.Store),
		Billing:    d.Billing,
		Automation: d.Automation,
		Now:        time.Now,
		Log:        d.Log,
	}
	if d.Balances != nil {
		h.Balances = d.Balances
		h.Ledger.OnAppend(d.Balances.InvalidateEvent)
		h.invalidate = d.Balances.Invalidate
	} else {
		h.Balances = ledger.NewBalanceCalculator(d.Store, d.Store)
	}
	h.Statements = d.Statements
	if h.Statements == nil {
		h.Statements = ledger.NewStatementGenerator(d.Store, h.Balances)
	}
	return h
}

// =============================================================================
// DIRECTORY HANDLERS
// =============================================================================

// CreateFamily creates or replaces a family.
func (h *Handler) CreateFamily(w http.ResponseWriter, r *http.Request) {
	tenant, err := requestTenant(r)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	var req CreateFamilyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.ID == "" || req.Name == "" {
		writeError(w, http.StatusBadRequest, "id and name are required", nil)
		return
	}

	f := ledger.Family{
		ID:         ledger.FamilyID(req.ID),
		TenantID:   tenant,
		Name:       req.Name,
		Email:      req.Email,
		Phone:      req.Phone,
		EmailOptIn: req.EmailOptIn,
		SMSOptIn:   req.SMSOptIn,
		CreatedAt:  h.Now().UTC(),
	}
	if err := h.Store.SaveFamily(r.Context(), f); err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toFamilyDTO(f))
}

// ListFamilies returns the tenant's families.
func (h *Handler) ListFamilies(w http.ResponseWriter, r *http.Request) {
	tenant, err := requestTenant(r)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	families, err := h.Store.ListFamilies(r.Context(), tenant)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	dtos := make([]FamilyDTO, len(families))
	for i, f := range families {
		dtos[i] = toFamilyDTO(f)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateMember adds a member to an existing family.
func (h *Handler) CreateMember(w http.ResponseWriter, r *http.Request) {
	tenant, err := requestTenant(r)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	var req CreateMemberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.ID == "" || req.Name == "" || req.FamilyID == "" {
		writeError(w, http.StatusBadRequest, "id, family_id and name are required", nil)
		return
	}
	if _, err := h.family(r, tenant, ledger.FamilyID(req.FamilyID)); err != nil {
		writeDomainError(w, r, err)
		return
	}

	m := ledger.Member{
		ID:        ledger.MemberID(req.ID),
		TenantID:  tenant,
		FamilyID:  ledger.FamilyID(req.FamilyID),
		Name:      req.Name,
		CreatedAt: h.Now().UTC(),
	}
	if err := h.Store.SaveMember(r.Context(), m); err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, MemberDTO{ID: string(m.ID), FamilyID: string(m.FamilyID), Name: m.Name})
}

// =============================================================================
// BALANCE HANDLERS
// =============================================================================

// GetFamilyBalance returns a family balance.
// GET /api/families/{id}/balance?as_of=2024-03-31
func (h *Handler) GetFamilyBalance(w http.ResponseWriter, r *http.Request) {
	h.balance(w, r, ledger.SubjectFamily)
}

// GetMemberBalance returns a member balance.
// GET /api/members/{id}/balance?as_of=2024-03-31T12:00:00Z
func (h *Handler) GetMemberBalance(w http.ResponseWriter, r *http.Request) {
	h.balance(w, r, ledger.SubjectMember)
}

func (h *Handler) balance(w http.ResponseWriter, r *http.Request, subjectType ledger.SubjectType) {
	tenant, err := requestTenant(r)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	loc, err := h.location(r, tenant)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	asOf, err := parseInstant(r.URL.Query().Get("as_of"), loc, true)
	if err != nil {
		writeDomainError(w, r, &ledger.InvalidInputError{Field: "as_of", Reason: err.Error()})
		return
	}
	if asOf.IsZero() {
		asOf = h.Now()
	}

	subject := ledger.Subject{TenantID: tenant, Type: subjectType, ID: chi.URLParam(r, "id")}
	result, err := h.Balances.Balance(r.Context(), subject, asOf)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBalanceDTO(result))
}

// ListFamilyEvents returns the family's ledger entries in effective order.
// GET /api/families/{id}/events?from=2024-01-01&to=2024-12-31
func (h *Handler) ListFamilyEvents(w http.ResponseWriter, r *http.Request) {
	tenant, err := requestTenant(r)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	family, err := h.family(r, tenant, ledger.FamilyID(chi.URLParam(r, "id")))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	loc, err := h.location(r, tenant)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	q := ledger.EventQuery{TenantID: tenant, FamilyID: family.ID}
	from, err := parseInstant(r.URL.Query().Get("from"), loc, false)
	if err != nil {
		writeDomainError(w, r, &ledger.InvalidInputError{Field: "from", Reason: err.Error()})
		return
	}
	to, err := parseInstant(r.URL.Query().Get("to"), loc, true)
	if err != nil {
		writeDomainError(w, r, &ledger.InvalidInputError{Field: "to", Reason: err.Error()})
		return
	}
	if !from.IsZero() {
		q.From = &from
	}
	if !to.IsZero() {
		q.To = &to
	}
	if q.From != nil && q.To != nil && to.Before(from) {
		writeDomainError(w, r, &ledger.RangeError{From: from.Format(time.RFC3339), To: to.Format(time.RFC3339)})
		return
	}

	events, err := h.Ledger.Events(r.Context(), q)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	dtos := make([]EventDTO, len(events))
	for i, e := range events {
		dtos[i] = toEventDTO(e)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// MANUAL LEDGER ENTRIES
// =============================================================================

// RecordPayment appends a manual payment to a family (and optionally a member).
func (h *Handler) RecordPayment(w http.ResponseWriter, r *http.Request) {
	var req PaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	header, err := h.entryHeader(r, req.MemberID, req.Amount, req.IdempotencyKey)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	paymentType, err := parsePaymentType(req.Type)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	method, err := parsePaymentMethod(req.Method)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	at := h.entryDate(req.Date)
	h.appendEvent(w, r, ledger.Payment{
		EventHeader: header,
		PaymentDate: at,
		Year:        at.Year(),
		Type:        paymentType,
		Method:      method,
	})
}

// RecordWithdrawal appends a family withdrawal.
func (h *Handler) RecordWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req WithdrawalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	header, err := h.entryHeader(r, "", req.Amount, req.IdempotencyKey)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	h.appendEvent(w, r, ledger.Withdrawal{
		EventHeader:    header,
		WithdrawalDate: h.entryDate(req.Date),
		Description:    req.Description,
	})
}

// RecordLifecycleCharge appends a one-off catalog charge.
func (h *Handler) RecordLifecycleCharge(w http.ResponseWriter, r *http.Request) {
	var req LifecycleChargeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.EventType == "" {
		writeDomainError(w, r, &ledger.InvalidInputError{Field: "event_type", Reason: "required"})
		return
	}
	header, err := h.entryHeader(r, req.MemberID, req.Amount, req.IdempotencyKey)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	at := h.entryDate(req.Date)
	h.appendEvent(w, r, ledger.LifecycleCharge{
		EventHeader: header,
		EventDate:   at,
		EventType:   req.EventType,
		Year:        at.Year(),
	})
}

// entryHeader checks the family (and member) of a manual entry.
func (h *Handler) entryHeader(r *http.Request, memberID string, amount decimal.Decimal, key string) (ledger.EventHeader, error) {
	tenant, err := requestTenant(r)
	if err != nil {
		return ledger.EventHeader{}, err
	}
	family, err := h.family(r, tenant, ledger.FamilyID(chi.URLParam(r, "id")))
	if err != nil {
		return ledger.EventHeader{}, err
	}
	if memberID != "" {
		m, err := h.Store.GetMember(r.Context(), tenant, ledger.MemberID(memberID))
		if err != nil {
			return ledger.EventHeader{}, err
		}
		if m == nil {
			return ledger.EventHeader{}, &ledger.NotFoundError{Resource: "member", ID: memberID}
		}
		if m.FamilyID != family.ID {
			return ledger.EventHeader{}, &ledger.InvalidInputError{Field: "member_id", Reason: "member belongs to another family"}
		}
	}
	if err := ledger.ValidateAmount("amount", amount); err != nil {
		return ledger.EventHeader{}, err
	}
	return ledger.EventHeader{
		TenantID:       tenant,
		FamilyID:       family.ID,
		MemberID:       ledger.MemberID(memberID),
		Amount:         amount,
		IdempotencyKey: key,
	}, nil
}

func (h *Handler) appendEvent(w http.ResponseWriter, r *http.Request, e ledger.Event) {
	e = stampEvent(e, h.Now())
	if err := h.Ledger.Append(r.Context(), e); err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toEventDTO(e))
}

// stampEvent assigns ID and CreatedAt.
func stampEvent(e ledger.Event, now time.Time) ledger.Event {
	switch v := e.(type) {
	case ledger.Payment:
		v.EventHeader = ledger.Stamp(v.EventHeader, now)
		return v
	case ledger.Withdrawal:
		v.EventHeader = ledger.Stamp(v.EventHeader, now)
		return v
	case ledger.LifecycleCharge:
		v.EventHeader = ledger.Stamp(v.EventHeader, now)
		return v
	}
	return e
}

func (h *Handler) entryDate(d *time.Time) time.Time {
	if d == nil || d.IsZero() {
		return h.Now().UTC()
	}
	return d.UTC()
}

// =============================================================================
// STATEMENT HANDLERS
// =============================================================================

// GenerateStatement creates a numbered statement for [from, to].
func (h *Handler) GenerateStatement(w http.ResponseWriter, r *http.Request) {
	tenant, err := requestTenant(r)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	var req GenerateStatementRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.From.IsZero() || req.To.IsZero() {
		writeDomainError(w, r, &ledger.InvalidInputError{Field: "from/to", Reason: "both are required"})
		return
	}

	subject := ledger.Subject{TenantID: tenant, Type: ledger.SubjectType(req.SubjectType), ID: req.SubjectID}
	st, err := h.Statements.Generate(r.Context(), subject, req.From, req.To)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toStatementDTO(*st))
}

// ListStatements returns a subject's statements ordered by sequence.
func (h *Handler) ListStatements(w http.ResponseWriter, r *http.Request) {
	tenant, err := requestTenant(r)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	q := r.URL.Query()
	subject := ledger.Subject{TenantID: tenant, Type: ledger.SubjectType(q.Get("subject_type")), ID: q.Get("subject_id")}
	if err := subject.Validate(); err != nil {
		writeDomainError(w, r, err)
		return
	}
	statements, err := h.Store.ListStatements(r.Context(), subject)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	dtos := make([]StatementDTO, len(statements))
	for i, st := range statements {
		dtos[i] = toStatementDTO(st)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// SUBSCRIPTION HANDLERS
// =============================================================================

// CreateSubscription opens a monthly schedule.
func (h *Handler) CreateSubscription(w http.ResponseWriter, r *http.Request) {
	tenant, err := requestTenant(r)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	var req CreateSubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	due, err := ledger.ParseDate(req.NextDueDate)
	if err != nil {
		writeDomainError(w, r, &ledger.InvalidInputError{Field: "next_due_date", Reason: "use YYYY-MM-DD"})
		return
	}
	method := ledger.MethodCreditCard
	if req.Method != "" {
		if method, err = parsePaymentMethod(req.Method); err != nil {
			writeDomainError(w, r, err)
			return
		}
	}

	sub, err := h.Billing.CreateSubscription(r.Context(), ledger.Subscription{
		ID:            ledger.SubscriptionID(req.ID),
		TenantID:      tenant,
		FamilyID:      ledger.FamilyID(req.FamilyID),
		MemberID:      ledger.MemberID(req.MemberID),
		InstrumentRef: req.InstrumentRef,
		Method:        method,
		Amount:        req.Amount,
		NextDueDate:   due,
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toSubscriptionDTO(*sub))
}

// ListSubscriptions lists the tenant's schedules.
// GET /api/subscriptions?active=true&family_id=fam-1
func (h *Handler) ListSubscriptions(w http.ResponseWriter, r *http.Request) {
	tenant, err := requestTenant(r)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	filter := ledger.SubscriptionFilter{
		TenantID: tenant,
		FamilyID: ledger.FamilyID(r.URL.Query().Get("family_id")),
	}
	if v := r.URL.Query().Get("active"); v != "" {
		active, err := strconv.ParseBool(v)
		if err != nil {
			writeDomainError(w, r, &ledger.InvalidInputError{Field: "active", Reason: "must be true or false"})
			return
		}
		filter.ActiveOnly = active
	}

	subs, err := h.Billing.ListSubscriptions(r.Context(), filter)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	dtos := make([]SubscriptionDTO, len(subs))
	for i, s := range subs {
		dtos[i] = toSubscriptionDTO(s)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetSubscription returns one schedule.
func (h *Handler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	tenant, err := requestTenant(r)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	id := chi.URLParam(r, "id")
	sub, err := h.Store.GetSubscription(r.Context(), tenant, ledger.SubscriptionID(id))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if sub == nil {
		writeDomainError(w, r, &ledger.NotFoundError{Resource: "subscription", ID: id})
		return
	}
	writeJSON(w, http.StatusOK, toSubscriptionDTO(*sub))
}

// CancelSubscription deactivates a schedule.
func (h *Handler) CancelSubscription(w http.ResponseWriter, r *http.Request) {
	tenant, err := requestTenant(r)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	sub, err := h.Billing.CancelSubscription(r.Context(), tenant, ledger.SubscriptionID(chi.URLParam(r, "id")))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSubscriptionDTO(*sub))
}

// =============================================================================
// AUTOMATION HANDLERS
// =============================================================================

// GetAutomationSettings returns the tenant's settings (defaults if unset).
func (h *Handler) GetAutomationSettings(w http.ResponseWriter, r *http.Request) {
	tenant, err := h.pathTenant(r)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	settings, err := h.Store.GetAutomationSettings(r.Context(), tenant)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if settings == nil {
		d := ledger.DefaultAutomationSettings(tenant)
		settings = &d
	}
	writeJSON(w, http.StatusOK, toSettingsDTO(*settings))
}

// PutAutomationSettings replaces the tenant's settings.
func (h *Handler) PutAutomationSettings(w http.ResponseWriter, r *http.Request) {
	tenant, err := h.pathTenant(r)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	var req AutomationSettingsDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	settings := req.toSettings(tenant)
	settings.UpdatedAt = h.Now().UTC()
	if err := settings.Validate(); err != nil {
		writeDomainError(w, r, err)
		return
	}
	if err := h.Store.SaveAutomationSettings(r.Context(), settings); err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSettingsDTO(settings))
}

// pathTenant reads {id} and checks it against the token's tenant.
func (h *Handler) pathTenant(r *http.Request) (ledger.TenantID, error) {
	tenant := ledger.TenantID(chi.URLParam(r, "id"))
	if authed, ok := authenticatedTenant(r.Context()); ok && authed != tenant {
		return "", &ledger.InvalidInputError{Field: "tenant_id", Reason: "path does not match token"}
	}
	return tenant, nil
}

// RunMonthlyPayments charges every due subscription in scope.
func (h *Handler) RunMonthlyPayments(w http.ResponseWriter, r *http.Request) {
	h.runJob(w, r, automation.JobMonthlyPayments)
}

// RunOverdueReminders sends escalation reminders in scope.
func (h *Handler) RunOverdueReminders(w http.ResponseWriter, r *http.Request) {
	h.runJob(w, r, automation.JobOverdueReminders)
}

// RunUpcomingReminders sends pre-due reminders in scope.
func (h *Handler) RunUpcomingReminders(w http.ResponseWriter, r *http.Request) {
	h.runJob(w, r, automation.JobUpcomingReminders)
}

// RunDaily runs every enabled job in scope.
func (h *Handler) RunDaily(w http.ResponseWriter, r *http.Request) {
	report, err := h.Automation.RunDaily(r.Context(), automationScope(r), h.Now())
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *Handler) runJob(w http.ResponseWriter, r *http.Request, job automation.JobName) {
	report, err := h.Automation.RunJob(r.Context(), automationScope(r), job, h.Now())
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func automationScope(r *http.Request) automation.Scope {
	if tenant, ok := authenticatedTenant(r.Context()); ok {
		return automation.Scope{TenantID: tenant}
	}
	return automation.AllTenants()
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) family(r *http.Request, tenant ledger.TenantID, id ledger.FamilyID) (*ledger.Family, error) {
	f, err := h.Store.GetFamily(r.Context(), tenant, id)
	if err != nil {
		return nil, err
	}
	if f == nil {
		return nil, &ledger.NotFoundError{Resource: "family", ID: string(id)}
	}
	return f, nil
}

// location returns the tenant's configured time zone.
func (h *Handler) location(r *http.Request, tenant ledger.TenantID) (*time.Location, error) {
	settings, err := h.Store.GetAutomationSettings(r.Context(), tenant)
	if err != nil {
		return nil, err
	}
	if settings == nil {
		return time.UTC, nil
	}
	return settings.Location(), nil
}

// parseInstant accepts RFC 3339 or YYYY-MM-DD. A bare date means the start
// of that day in loc, or its last instant when endOfDay is set. "" yields
// the zero time.
func parseInstant(s string, loc *time.Location, endOfDay bool) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	d, err := ledger.ParseDate(s)
	if err != nil {
		return time.Time{}, errors.New("use RFC 3339 or " + dateLayout)
	}
	if endOfDay {
		return d.EndIn(loc), nil
	}
	return d.StartIn(loc), nil
}

func parsePaymentType(s string) (ledger.PaymentType, error) {
	switch t := ledger.PaymentType(s); t {
	case "":
		return ledger.PaymentOther, nil
	case ledger.PaymentMembership, ledger.PaymentDonation, ledger.PaymentOther:
		return t, nil
	}
	return "", &ledger.InvalidInputError{Field: "type", Reason: "unknown payment type " + strconv.Quote(s)}
}

func parsePaymentMethod(s string) (ledger.PaymentMethod, error) {
	switch m := ledger.PaymentMethod(s); m {
	case "":
		return ledger.MethodCash, nil
	case ledger.MethodCreditCard, ledger.MethodCash, ledger.MethodCheck, ledger.MethodBankTransfer, ledger.MethodOther:
		return m, nil
	}
	return "", &ledger.InvalidInputError{Field: "method", Reason: "unknown payment method " + strconv.Quote(s)}
}

func toFamilyDTO(f ledger.Family) FamilyDTO {
	return FamilyDTO{
		ID:         string(f.ID),
		Name:       f.Name,
		Email:      f.Email,
		Phone:      f.Phone,
		EmailOptIn: f.EmailOptIn,
		SMSOptIn:   f.SMSOptIn,
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps the ledger error taxonomy to an HTTP status.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case ledger.IsNotFound(err):
		writeError(w, http.StatusNotFound, "Not found", err)
	case errors.Is(err, ledger.ErrDuplicateIdempotencyKey),
		errors.Is(err, ledger.ErrActiveSubscriptionExists),
		errors.Is(err, ledger.ErrConcurrentModification):
		writeError(w, http.StatusConflict, "Conflict", err)
	case ledger.IsClientError(err):
		writeError(w, http.StatusBadRequest, "Invalid request", err)
	case errors.Is(err, ledger.ErrExternalService):
		writeError(w, http.StatusBadGateway, "Upstream service failed", err)
	default:
		log := logger.FromContext(r.Context())
		log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "Internal error", err)
	}
}
