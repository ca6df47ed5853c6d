/*
handlers_test.go - HTTP tests for the API handlers

Tests for:
- Directory and manual ledger entries (validation, duplicates, ownership)
- Balances (as_of parsing, cache invalidation on append)
- Statements, subscriptions and automation settings
- Automation runs scoped by tenant token
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/dues-engine/automation"
	"github.com/warp/dues-engine/billing"
	"github.com/warp/dues-engine/gateway"
	"github.com/warp/dues-engine/ledger"
	"github.com/warp/dues-engine/notify"
	"github.com/warp/dues-engine/store/memory"
)

const testSecret = "test-secret"

// =============================================================================
// FIXTURE
// =============================================================================

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type apiFixture struct {
	store   *memory.Memory
	handler *Handler
	router  http.Handler
	now     time.Time
}

func newAPI(t *testing.T) *apiFixture {
	t.Helper()
	now := time.Date(2024, 3, 20, 12, 0, 0, 0, time.UTC)
	store := memory.New()

	sandbox, err := gateway.NewSandbox(0)
	require.NoError(t, err)
	cache, err := ledger.NewCachedBalances(ledger.NewBalanceCalculator(store, store), 128, time.Minute)
	require.NoError(t, err)

	dispatcher := notify.NewDispatcher(gateway.NewLogSender(zerolog.Nop()), time.Second, zerolog.Nop())
	svc := billing.NewService(store, sandbox, dispatcher,
		billing.WithClock(fixedClock{t: now}),
		billing.WithBalanceInvalidator(cache.Invalidate),
	)
	statements := ledger.NewStatementGenerator(store, cache)
	statements.Now = func() time.Time { return now }

	h := NewHandler(Deps{
		Store:      store,
		Billing:    svc,
		Automation: automation.NewOrchestrator(store, svc, dispatcher, statements),
		Balances:   cache,
		Statements: statements,
		Log:        zerolog.Nop(),
	})
	h.Now = func() time.Time { return now }

	return &apiFixture{
		store:   store,
		handler: h,
		router:  NewRouter(h, RouterConfig{JWTSecret: testSecret}),
		now:     now,
	}
}

func (f *apiFixture) request(t *testing.T, method, path string, body any) *http.Request {
	t.Helper()
	var r io.Reader = http.NoBody
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	return req
}

func (f *apiFixture) serve(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

// do sends a request on behalf of tenant via the X-Tenant-ID header.
func (f *apiFixture) do(t *testing.T, method, path, tenant string, body any) *httptest.ResponseRecorder {
	t.Helper()
	req := f.request(t, method, path, body)
	if tenant != "" {
		req.Header.Set(TenantHeader, tenant)
	}
	return f.serve(req)
}

func (f *apiFixture) family(t *testing.T, tenant, id string, members ...string) {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/api/families", tenant, CreateFamilyRequest{ID: id, Name: "Family " + id, Email: id + "@example.org", EmailOptIn: true})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	for _, m := range members {
		rec := f.do(t, http.MethodPost, "/api/members", tenant, CreateMemberRequest{ID: m, FamilyID: id, Name: "Member " + m})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	}
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func tenantToken(t *testing.T, tenant string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		TenantID: tenant,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func payment(amount, date, key string) map[string]any {
	return map[string]any{"amount": amount, "date": date, "type": "membership", "method": "check", "idempotency_key": key}
}

// =============================================================================
// DIRECTORY / MANUAL ENTRIES
// =============================================================================

func TestManualEntries_Balances(t *testing.T) {
	// GIVEN: A family with one member
	f := newAPI(t)
	f.family(t, "shul-1", "fam-1", "mem-1")

	// WHEN: A member payment, a withdrawal and a lifecycle charge are recorded
	body := payment("100.00", "2024-03-15T10:00:00Z", "pay-1")
	body["member_id"] = "mem-1"
	rec := f.do(t, http.MethodPost, "/api/families/fam-1/payments", "shul-1", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[EventDTO](t, rec)
	assert.Equal(t, "payment", created.Kind)
	assert.Equal(t, "100.00", created.Amount)
	assert.NotEmpty(t, created.ID)

	rec = f.do(t, http.MethodPost, "/api/families/fam-1/withdrawals", "shul-1",
		map[string]any{"amount": "30", "date": "2024-03-16T10:00:00Z", "description": "refund"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodPost, "/api/families/fam-1/lifecycle-charges", "shul-1",
		map[string]any{"amount": "500", "date": "2024-03-17T10:00:00Z", "event_type": "bar_mitzvah", "member_id": "mem-1"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	// THEN: The family balance nets the withdrawal; lifecycle charges do not reduce it
	rec = f.do(t, http.MethodGet, "/api/families/fam-1/balance", "shul-1", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	family := decode[BalanceDTO](t, rec)
	assert.Equal(t, "70.00", family.Balance)
	assert.Equal(t, "100.00", family.IncomeTotal)
	assert.Equal(t, "30.00", family.WithdrawalTotal)

	// THEN: The member balance only counts the member's payments
	rec = f.do(t, http.MethodGet, "/api/members/mem-1/balance", "shul-1", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "100.00", decode[BalanceDTO](t, rec).Balance)

	// THEN: Events come back in effective order
	rec = f.do(t, http.MethodGet, "/api/families/fam-1/events", "shul-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	events := decode[[]EventDTO](t, rec)
	require.Len(t, events, 3)
	assert.Equal(t, []string{"payment", "withdrawal", "lifecycle_charge"}, []string{events[0].Kind, events[1].Kind, events[2].Kind})
	assert.Equal(t, "bar_mitzvah", events[2].Detail)
}

func TestRecordPayment_DuplicateKey(t *testing.T) {
	// GIVEN: A recorded payment
	f := newAPI(t)
	f.family(t, "shul-1", "fam-1")
	rec := f.do(t, http.MethodPost, "/api/families/fam-1/payments", "shul-1", payment("50", "2024-03-15T10:00:00Z", "check-1001"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	// WHEN: The same idempotency key is posted again
	rec = f.do(t, http.MethodPost, "/api/families/fam-1/payments", "shul-1", payment("50", "2024-03-15T10:00:00Z", "check-1001"))

	// THEN: 409 and the balance is counted once
	assert.Equal(t, http.StatusConflict, rec.Code)
	rec = f.do(t, http.MethodGet, "/api/families/fam-1/balance", "shul-1", nil)
	assert.Equal(t, "50.00", decode[BalanceDTO](t, rec).Balance)
}

func TestRecordPayment_Rejections(t *testing.T) {
	f := newAPI(t)
	f.family(t, "shul-1", "fam-1", "mem-1")
	f.family(t, "shul-1", "fam-2", "mem-2")

	tests := []struct {
		name   string
		path   string
		tenant string
		body   map[string]any
		want   int
	}{
		{"unknown family", "/api/families/fam-9/payments", "shul-1", payment("10", "2024-03-15T10:00:00Z", ""), http.StatusNotFound},
		{"family of another tenant", "/api/families/fam-1/payments", "shul-2", payment("10", "2024-03-15T10:00:00Z", ""), http.StatusNotFound},
		{"missing tenant", "/api/families/fam-1/payments", "", payment("10", "2024-03-15T10:00:00Z", ""), http.StatusBadRequest},
		{"zero amount", "/api/families/fam-1/payments", "shul-1", payment("0", "2024-03-15T10:00:00Z", ""), http.StatusBadRequest},
		{"negative amount", "/api/families/fam-1/payments", "shul-1", payment("-5", "2024-03-15T10:00:00Z", ""), http.StatusBadRequest},
		{"fraction of a cent", "/api/families/fam-1/payments", "shul-1", payment("0.004", "2024-03-15T10:00:00Z", ""), http.StatusBadRequest},
		{"withdrawal fraction of a cent", "/api/families/fam-1/withdrawals", "shul-1", map[string]any{"amount": "10.005"}, http.StatusBadRequest},
		{"member of another family", "/api/families/fam-1/payments", "shul-1", map[string]any{"amount": "10", "member_id": "mem-2"}, http.StatusBadRequest},
		{"unknown member", "/api/families/fam-1/payments", "shul-1", map[string]any{"amount": "10", "member_id": "mem-9"}, http.StatusNotFound},
		{"unknown method", "/api/families/fam-1/payments", "shul-1", map[string]any{"amount": "10", "method": "barter"}, http.StatusBadRequest},
		{"lifecycle without type", "/api/families/fam-1/lifecycle-charges", "shul-1", map[string]any{"amount": "10"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, tt.path, tt.tenant, tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
}

func TestCreateMember_UnknownFamily(t *testing.T) {
	f := newAPI(t)
	rec := f.do(t, http.MethodPost, "/api/members", "shul-1", CreateMemberRequest{ID: "mem-1", FamilyID: "fam-9", Name: "Orphan"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// =============================================================================
// BALANCES
// =============================================================================

func TestBalance_AsOf(t *testing.T) {
	// GIVEN: A payment on March 15
	f := newAPI(t)
	f.family(t, "shul-1", "fam-1")
	rec := f.do(t, http.MethodPost, "/api/families/fam-1/payments", "shul-1", payment("100", "2024-03-15T10:00:00Z", ""))
	require.Equal(t, http.StatusCreated, rec.Code)

	tests := []struct {
		asOf string
		want string
	}{
		{"2024-03-14", "0.00"},
		{"2024-03-15", "100.00"}, // a bare date means the end of that day
		{"2024-03-15T09:59:59Z", "0.00"},
		{"2024-03-15T10:00:00Z", "100.00"},
	}
	for _, tt := range tests {
		t.Run(tt.asOf, func(t *testing.T) {
			rec := f.do(t, http.MethodGet, "/api/families/fam-1/balance?as_of="+tt.asOf, "shul-1", nil)
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
			assert.Equal(t, tt.want, decode[BalanceDTO](t, rec).Balance)
		})
	}

	rec = f.do(t, http.MethodGet, "/api/families/fam-1/balance?as_of=yesterday", "shul-1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBalance_CacheInvalidatedOnAppend(t *testing.T) {
	// GIVEN: A cached zero balance
	f := newAPI(t)
	f.family(t, "shul-1", "fam-1")
	rec := f.do(t, http.MethodGet, "/api/families/fam-1/balance", "shul-1", nil)
	require.Equal(t, "0.00", decode[BalanceDTO](t, rec).Balance)

	// WHEN: A payment is recorded
	rec = f.do(t, http.MethodPost, "/api/families/fam-1/payments", "shul-1", payment("25", "2024-03-01T10:00:00Z", ""))
	require.Equal(t, http.StatusCreated, rec.Code)

	// THEN: The next read sees it
	rec = f.do(t, http.MethodGet, "/api/families/fam-1/balance", "shul-1", nil)
	assert.Equal(t, "25.00", decode[BalanceDTO](t, rec).Balance)
}

func TestBalance_UnknownSubject(t *testing.T) {
	f := newAPI(t)
	rec := f.do(t, http.MethodGet, "/api/members/mem-9/balance", "shul-1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// =============================================================================
// STATEMENTS
// =============================================================================

func TestStatements_GenerateAndList(t *testing.T) {
	// GIVEN: A payment before and during March
	f := newAPI(t)
	f.family(t, "shul-1", "fam-1")
	f.do(t, http.MethodPost, "/api/families/fam-1/payments", "shul-1", payment("40", "2024-02-10T10:00:00Z", ""))
	f.do(t, http.MethodPost, "/api/families/fam-1/payments", "shul-1", payment("60", "2024-03-10T10:00:00Z", ""))

	// WHEN: A March statement is generated
	req := GenerateStatementRequest{
		SubjectType: "family",
		SubjectID:   "fam-1",
		From:        time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		To:          time.Date(2024, 3, 31, 23, 59, 59, 0, time.UTC),
	}
	rec := f.do(t, http.MethodPost, "/api/statements", "shul-1", req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	// THEN: Opening carries February; the number is the first for the subject
	st := decode[StatementDTO](t, rec)
	assert.Equal(t, "STMT-00FAM1-0001", st.Number)
	assert.Equal(t, "40.00", st.OpeningBalance)
	assert.Equal(t, "60.00", st.Income)
	assert.Equal(t, "100.00", st.ClosingBalance)

	// THEN: A second statement takes the next number and both are listed
	rec = f.do(t, http.MethodPost, "/api/statements", "shul-1", req)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "STMT-00FAM1-0002", decode[StatementDTO](t, rec).Number)

	rec = f.do(t, http.MethodGet, "/api/statements?subject_type=family&subject_id=fam-1", "shul-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]StatementDTO](t, rec), 2)
}

func TestStatements_Rejections(t *testing.T) {
	f := newAPI(t)
	f.family(t, "shul-1", "fam-1")

	inverted := GenerateStatementRequest{
		SubjectType: "family",
		SubjectID:   "fam-1",
		From:        time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC),
		To:          time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
	}
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/statements", "shul-1", inverted).Code)

	unknown := inverted
	unknown.SubjectID, unknown.From, unknown.To = "fam-9", inverted.To, inverted.From
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/api/statements", "shul-1", unknown).Code)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/statements?subject_type=pet&subject_id=x", "shul-1", nil).Code)
}

// =============================================================================
// SUBSCRIPTIONS
// =============================================================================

func TestSubscriptions_Lifecycle(t *testing.T) {
	// GIVEN: A family
	f := newAPI(t)
	f.family(t, "shul-1", "fam-1")
	create := CreateSubscriptionRequest{
		ID:            "sub-1",
		FamilyID:      "fam-1",
		InstrumentRef: "pm_visa",
		Amount:        decimal.NewFromInt(180),
		NextDueDate:   "2024-01-31",
	}

	// WHEN: A subscription is created
	rec := f.do(t, http.MethodPost, "/api/subscriptions", "shul-1", create)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	// THEN: It is active, monthly and anchored on day 31
	sub := decode[SubscriptionDTO](t, rec)
	assert.True(t, sub.IsActive)
	assert.Equal(t, "monthly", sub.Frequency)
	assert.Equal(t, 31, sub.BillingDay)
	assert.Equal(t, "credit_card", sub.Method)

	// WHEN: A second active schedule on the same instrument is created
	create.ID = "sub-2"
	rec = f.do(t, http.MethodPost, "/api/subscriptions", "shul-1", create)

	// THEN: Conflict
	assert.Equal(t, http.StatusConflict, rec.Code)

	// WHEN: The first is canceled
	rec = f.do(t, http.MethodPost, "/api/subscriptions/sub-1/cancel", "shul-1", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	canceled := decode[SubscriptionDTO](t, rec)
	assert.False(t, canceled.IsActive)
	assert.NotEmpty(t, canceled.CanceledAt)

	// THEN: It is kept but no longer listed as active
	rec = f.do(t, http.MethodGet, "/api/subscriptions?active=true", "shul-1", nil)
	assert.Empty(t, decode[[]SubscriptionDTO](t, rec))
	rec = f.do(t, http.MethodGet, "/api/subscriptions", "shul-1", nil)
	assert.Len(t, decode[[]SubscriptionDTO](t, rec), 1)
	rec = f.do(t, http.MethodGet, "/api/subscriptions/sub-1", "shul-1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSubscriptions_Rejections(t *testing.T) {
	f := newAPI(t)
	f.family(t, "shul-1", "fam-1")

	bad := CreateSubscriptionRequest{FamilyID: "fam-1", InstrumentRef: "pm_visa", Amount: decimal.NewFromInt(10), NextDueDate: "31/01/2024"}
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/subscriptions", "shul-1", bad).Code)

	noFamily := CreateSubscriptionRequest{FamilyID: "fam-9", InstrumentRef: "pm_visa", Amount: decimal.NewFromInt(10), NextDueDate: "2024-01-31"}
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/api/subscriptions", "shul-1", noFamily).Code)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/subscriptions/sub-9", "shul-1", nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/api/subscriptions/sub-9/cancel", "shul-1", nil).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/subscriptions?active=maybe", "shul-1", nil).Code)
}

// =============================================================================
// AUTOMATION
// =============================================================================

func TestAutomationSettings_GetPut(t *testing.T) {
	f := newAPI(t)

	// GIVEN: A tenant that never configured automation
	rec := f.do(t, http.MethodGet, "/api/tenants/shul-1/automation", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// THEN: Defaults come back with every job off
	defaults := decode[AutomationSettingsDTO](t, rec)
	assert.False(t, defaults.EnableMonthlyPayments)
	assert.True(t, defaults.EnableEmail)
	assert.Equal(t, []int{3, 1}, defaults.ReminderDaysBefore)

	// WHEN: Monthly payments are enabled in New York time
	defaults.EnableMonthlyPayments = true
	defaults.Timezone = "America/New_York"
	rec = f.do(t, http.MethodPut, "/api/tenants/shul-1/automation", "", defaults)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// THEN: They are persisted
	stored, err := f.store.GetAutomationSettings(context.Background(), "shul-1")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.True(t, stored.EnableMonthlyPayments)
	assert.Equal(t, "America/New_York", stored.Timezone)

	// WHEN: An unknown zone or a negative lead time is sent
	defaults.Timezone = "Mars/Olympus"
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPut, "/api/tenants/shul-1/automation", "", defaults).Code)
	defaults.Timezone = ""
	defaults.ReminderDaysBefore = []int{-1}
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPut, "/api/tenants/shul-1/automation", "", defaults).Code)
}

func TestAutomationSettings_TokenMustMatchPath(t *testing.T) {
	f := newAPI(t)
	req := f.request(t, http.MethodGet, "/api/tenants/shul-2/automation", nil)
	req.Header.Set("Authorization", "Bearer "+tenantToken(t, "shul-1"))
	assert.Equal(t, http.StatusBadRequest, f.serve(req).Code)
}

func (f *apiFixture) dueTenant(t *testing.T, tenant ledger.TenantID) {
	t.Helper()
	ctx := context.Background()
	settings := ledger.DefaultAutomationSettings(tenant)
	settings.EnableMonthlyPayments = true
	require.NoError(t, f.store.SaveAutomationSettings(ctx, settings))
	f.family(t, string(tenant), "fam-1")
	require.NoError(t, f.store.CreateSubscription(ctx, ledger.Subscription{
		ID:            ledger.SubscriptionID("sub-" + string(tenant)),
		TenantID:      tenant,
		FamilyID:      "fam-1",
		InstrumentRef: "pm_visa",
		Method:        ledger.MethodCreditCard,
		Amount:        decimal.NewFromInt(180),
		Frequency:     ledger.FrequencyMonthly,
		BillingDay:    20,
		NextDueDate:   ledger.NewDate(2024, 3, 20),
		IsActive:      true,
		Version:       1,
	}))
}

func (f *apiFixture) payments(t *testing.T, tenant ledger.TenantID) int {
	t.Helper()
	events, err := f.store.Events(context.Background(), ledger.EventQuery{TenantID: tenant, Kinds: []ledger.EventKind{ledger.KindPayment}})
	require.NoError(t, err)
	return len(events)
}

func TestRunMonthlyPayments_TokenScopesTenant(t *testing.T) {
	// GIVEN: Two tenants with a subscription due today
	f := newAPI(t)
	f.dueTenant(t, "shul-a")
	f.dueTenant(t, "shul-b")

	// WHEN: Tenant A triggers monthly payments with its token
	req := f.request(t, http.MethodPost, "/api/automation/monthly-payments", nil)
	req.Header.Set("Authorization", "Bearer "+tenantToken(t, "shul-a"))
	rec := f.serve(req)

	// THEN: Only tenant A is charged
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	report := decode[automation.Report](t, rec)
	require.Len(t, report.Tenants, 1)
	assert.Equal(t, ledger.TenantID("shul-a"), report.Tenants[0].TenantID)
	assert.Equal(t, 1, report.Totals[automation.JobMonthlyPayments].Processed)
	assert.Equal(t, 1, f.payments(t, "shul-a"))
	assert.Equal(t, 0, f.payments(t, "shul-b"))

	// THEN: The committed payment is visible through the cached balance
	rec = f.do(t, http.MethodGet, "/api/families/fam-1/balance", "shul-a", nil)
	assert.Equal(t, "180.00", decode[BalanceDTO](t, rec).Balance)
}

func TestRunDaily_Unscoped(t *testing.T) {
	// GIVEN: Two tenants with a subscription due today
	f := newAPI(t)
	f.dueTenant(t, "shul-a")
	f.dueTenant(t, "shul-b")

	// WHEN: The daily run is triggered without a token
	rec := f.do(t, http.MethodPost, "/api/automation/run-daily", "", nil)

	// THEN: Every enabled tenant is charged and the report has both
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	report := decode[automation.Report](t, rec)
	assert.Len(t, report.Tenants, 2)
	assert.Equal(t, 2, report.Totals[automation.JobMonthlyPayments].Processed)
	assert.Equal(t, 1, f.payments(t, "shul-a"))
	assert.Equal(t, 1, f.payments(t, "shul-b"))

	// WHEN: It runs again the same day
	rec = f.do(t, http.MethodPost, "/api/automation/run-daily", "", nil)

	// THEN: Nothing is charged twice
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, f.payments(t, "shul-a"))
}

func TestReminderEndpoints(t *testing.T) {
	f := newAPI(t)
	f.dueTenant(t, "shul-a")

	for _, path := range []string{"/api/automation/overdue-reminders", "/api/automation/upcoming-reminders"} {
		rec := f.do(t, http.MethodPost, path, "", nil)
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
}

func TestHealthz(t *testing.T) {
	f := newAPI(t)
	rec := f.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}
