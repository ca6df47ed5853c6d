/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate one tenant with realistic
	back-office data. Each scenario creates families, members, ledger
	entries and scheduled records that exercise a specific automation job.

AVAILABLE SCENARIOS:

	active-family:   Paid-up family with a subscription due in 3 days
	overdue-family:  Subscription 20 days past due, ready to escalate
	bookings-tasks:  Lifecycle booking and operator task due today

HOW SCENARIOS WORK:
 1. Resolve the tenant (token, X-Tenant-ID header or request body)
 2. Save automation settings with every job enabled
 3. Create families and members
 4. Append ledger entries with fixed idempotency keys
 5. Create subscriptions, bookings and tasks

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "overdue-family", "tenant_id": "demo"}

NOTE:

	Everything is written in one transaction. Loading the same scenario
	twice into a tenant fails with 409 on the duplicate entries.

SEE ALSO:
  - handlers.go: Record endpoints
  - automation/orchestrator.go: The jobs these scenarios feed
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/warp/dues-engine/ledger"
	"github.com/warp/dues-engine/logger"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "active-family",
		Name:        "Active Family",
		Description: "Paid-up family with payments, a withdrawal and a subscription due in 3 days",
	},
	{
		ID:          "overdue-family",
		Name:        "Overdue Family",
		Description: "Monthly dues 20 days past due; overdue status and reminders escalate",
	},
	{
		ID:          "bookings-tasks",
		Name:        "Bookings & Tasks",
		Description: "A bar mitzvah booking and an operator task that both fall due today",
	},
}

type scenarioLoader func(ctx context.Context, tx ledger.Store, tenant ledger.TenantID, today ledger.Date, now time.Time) error

var scenarioLoaders = map[string]scenarioLoader{
	"active-family":  loadActiveFamily,
	"overdue-family": loadOverdueFamily,
	"bookings-tasks": loadBookingsTasks,
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the last loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario loads a scenario into a tenant.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	load, ok := scenarioLoaders[req.ScenarioID]
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown scenario", fmt.Errorf("scenario %q", req.ScenarioID))
		return
	}
	if req.TenantID != "" && r.Header.Get(TenantHeader) == "" {
		r.Header.Set(TenantHeader, req.TenantID)
	}
	tenant, err := requestTenant(r)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	now := h.Now()
	settings := ledger.DefaultAutomationSettings(tenant)
	settings.EnableMonthlyPayments = true
	settings.EnablePaymentReminders = true
	settings.EnableOverdueReminders = true
	settings.EnableLifecycleConversion = true
	settings.EnableTaskNotifications = true
	settings.EnableMonthlyStatements = true
	settings.UpdatedAt = now.UTC()

	err = h.Store.WithTx(r.Context(), func(tx ledger.Store) error {
		if err := tx.SaveAutomationSettings(r.Context(), settings); err != nil {
			return err
		}
		return load(r.Context(), tx, tenant, settings.Today(now), now)
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	h.invalidateTenant(r, tenant)

	h.mu.Lock()
	h.currentScenario = req.ScenarioID
	h.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "loaded",
		"scenario":  req.ScenarioID,
		"tenant_id": string(tenant),
	})
}

// invalidateTenant drops cached balances of every family in the tenant.
// Loaders append inside a store transaction, bypassing the ledger hooks.
func (h *Handler) invalidateTenant(r *http.Request, tenant ledger.TenantID) {
	if h.invalidate == nil {
		return
	}
	families, err := h.Store.ListFamilies(r.Context(), tenant)
	if err != nil {
		log := logger.FromContext(r.Context())
		log.Warn().Err(err).Str("tenant_id", string(tenant)).Msg("failed to invalidate balances after scenario load")
		return
	}
	for _, f := range families {
		h.invalidate(tenant, f.ID)
	}
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func loadActiveFamily(ctx context.Context, tx ledger.Store, tenant ledger.TenantID, today ledger.Date, now time.Time) error {
	family := ledger.Family{ID: "fam-cohen", TenantID: tenant, Name: "Cohen", Email: "cohen@example.org", Phone: "+15550100", EmailOptIn: true, SMSOptIn: true, CreatedAt: now}
	if err := saveFamily(ctx, tx, family, "mem-david", "David Cohen", "mem-sarah", "Sarah Cohen"); err != nil {
		return err
	}

	l := ledger.NewLedger(tx)
	lastMonth := today.AddMonths(-1, today.Day()).StartIn(time.UTC)
	entries := []ledger.Event{
		ledger.Payment{
			EventHeader: demoHeader(tenant, family.ID, "mem-david", "180.00", "demo-cohen-dues", now),
			PaymentDate: lastMonth, Year: lastMonth.Year(),
			Type: ledger.PaymentMembership, Method: ledger.MethodCheck,
		},
		ledger.Payment{
			EventHeader: demoHeader(tenant, family.ID, "mem-sarah", "36.00", "demo-cohen-donation", now),
			PaymentDate: lastMonth.Add(48 * time.Hour), Year: lastMonth.Year(),
			Type: ledger.PaymentDonation, Method: ledger.MethodCash,
		},
		ledger.Withdrawal{
			EventHeader:    demoHeader(tenant, family.ID, "", "25.00", "demo-cohen-withdrawal", now),
			WithdrawalDate: lastMonth.Add(72 * time.Hour),
			Description:    "Kiddush sponsorship refund",
		},
	}
	for _, e := range entries {
		if err := l.Append(ctx, e); err != nil {
			return err
		}
	}

	due := today.AddDays(3)
	return tx.CreateSubscription(ctx, demoSubscription(tenant, family.ID, "sub-cohen", "pm_visa_cohen", "180.00", due, now))
}

func loadOverdueFamily(ctx context.Context, tx ledger.Store, tenant ledger.TenantID, today ledger.Date, now time.Time) error {
	family := ledger.Family{ID: "fam-levi", TenantID: tenant, Name: "Levi", Email: "levi@example.org", EmailOptIn: true, CreatedAt: now}
	if err := saveFamily(ctx, tx, family, "mem-rachel", "Rachel Levi"); err != nil {
		return err
	}
	due := today.AddDays(-20)
	sub := demoSubscription(tenant, family.ID, "sub-levi", "pm_decline_levi", "150.00", due, now)
	sub.FailureCount = 1
	sub.LastFailure = "card declined"
	return tx.CreateSubscription(ctx, sub)
}

func loadBookingsTasks(ctx context.Context, tx ledger.Store, tenant ledger.TenantID, today ledger.Date, now time.Time) error {
	family := ledger.Family{ID: "fam-katz", TenantID: tenant, Name: "Katz", Email: "katz@example.org", EmailOptIn: true, CreatedAt: now}
	if err := saveFamily(ctx, tx, family, "mem-ari", "Ari Katz"); err != nil {
		return err
	}
	booking := ledger.LifecycleBooking{
		ID:        string(tenant) + "-book-katz-barmitzvah",
		TenantID:  tenant,
		FamilyID:  family.ID,
		MemberID:  "mem-ari",
		EventType: "bar_mitzvah",
		EventDate: today,
		Amount:    ledger.MustParseDecimal("500.00"),
		CreatedAt: now,
	}
	if err := tx.SaveBooking(ctx, booking); err != nil {
		return err
	}
	return tx.SaveTask(ctx, ledger.Task{
		ID:            string(tenant) + "-task-katz-seating",
		TenantID:      tenant,
		Title:         "Confirm Katz bar mitzvah seating",
		AssigneeName:  "Office",
		AssigneeEmail: "office@example.org",
		DueDate:       today,
		CreatedAt:     now,
	})
}

// saveFamily saves f and its members, given as id/name pairs.
func saveFamily(ctx context.Context, tx ledger.Store, f ledger.Family, members ...string) error {
	if err := tx.SaveFamily(ctx, f); err != nil {
		return err
	}
	for i := 0; i+1 < len(members); i += 2 {
		m := ledger.Member{ID: ledger.MemberID(members[i]), TenantID: f.TenantID, FamilyID: f.ID, Name: members[i+1], CreatedAt: f.CreatedAt}
		if err := tx.SaveMember(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

func demoHeader(tenant ledger.TenantID, family ledger.FamilyID, member ledger.MemberID, amount, key string, now time.Time) ledger.EventHeader {
	return ledger.Stamp(ledger.EventHeader{
		TenantID:       tenant,
		FamilyID:       family,
		MemberID:       member,
		Amount:         ledger.MustParseDecimal(amount),
		IdempotencyKey: string(tenant) + "-" + key,
	}, now)
}

func demoSubscription(tenant ledger.TenantID, family ledger.FamilyID, id ledger.SubscriptionID, instrument, amount string, due ledger.Date, now time.Time) ledger.Subscription {
	return ledger.Subscription{
		ID:            ledger.SubscriptionID(string(tenant) + "-" + string(id)),
		TenantID:      tenant,
		FamilyID:      family,
		InstrumentRef: instrument,
		Method:        ledger.MethodCreditCard,
		Amount:        ledger.MustParseDecimal(amount),
		Frequency:     ledger.FrequencyMonthly,
		BillingDay:    due.Day(),
		NextDueDate:   due,
		IsActive:      true,
		Version:       1,
		CreatedAt:     now.UTC(),
		UpdatedAt:     now.UTC(),
	}
}
