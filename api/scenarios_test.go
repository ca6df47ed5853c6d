package api

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/dues-engine/automation"
	"github.com/warp/dues-engine/ledger"
)

func TestListScenarios(t *testing.T) {
	f := newAPI(t)
	rec := f.do(t, http.MethodGet, "/api/scenarios", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	list := decode[[]ScenarioDTO](t, rec)
	require.Len(t, list, len(scenarioLoaders))
	for _, s := range list {
		assert.Contains(t, scenarioLoaders, s.ID)
	}
}

func TestLoadScenario_ActiveFamily(t *testing.T) {
	// GIVEN: An empty store
	f := newAPI(t)

	// WHEN: The active-family scenario is loaded into "demo"
	rec := f.do(t, http.MethodPost, "/api/scenarios/load", "", LoadScenarioRequest{ScenarioID: "active-family", TenantID: "demo"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// THEN: The family balance nets payments and the withdrawal
	rec = f.do(t, http.MethodGet, "/api/families/fam-cohen/balance", "demo", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "191.00", decode[BalanceDTO](t, rec).Balance)

	// THEN: It is the current scenario
	rec = f.do(t, http.MethodGet, "/api/scenarios/current", "", nil)
	assert.Equal(t, "active-family", decode[ScenarioDTO](t, rec).ID)

	// WHEN: It is loaded again into the same tenant
	rec = f.do(t, http.MethodPost, "/api/scenarios/load", "", LoadScenarioRequest{ScenarioID: "active-family", TenantID: "demo"})

	// THEN: The duplicate entries are refused and nothing is doubled
	assert.Equal(t, http.StatusConflict, rec.Code)
	rec = f.do(t, http.MethodGet, "/api/families/fam-cohen/balance", "demo", nil)
	assert.Equal(t, "191.00", decode[BalanceDTO](t, rec).Balance)
}

func TestLoadScenario_UpcomingReminderDue(t *testing.T) {
	// GIVEN: The active-family scenario, whose subscription is due in 3 days
	f := newAPI(t)
	rec := f.do(t, http.MethodPost, "/api/scenarios/load", "demo", LoadScenarioRequest{ScenarioID: "active-family"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// WHEN: Upcoming reminders run
	rec = f.do(t, http.MethodPost, "/api/automation/upcoming-reminders", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// THEN: One reminder went out
	report := decode[automation.Report](t, rec)
	assert.Equal(t, 1, report.Totals[automation.JobUpcomingReminders].Processed)
}

func TestLoadScenario_BookingsTasks(t *testing.T) {
	// GIVEN: The bookings-tasks scenario
	f := newAPI(t)
	rec := f.do(t, http.MethodPost, "/api/scenarios/load", "demo", LoadScenarioRequest{ScenarioID: "bookings-tasks"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// WHEN: The daily run executes
	rec = f.do(t, http.MethodPost, "/api/automation/run-daily", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// THEN: The booking became a lifecycle charge and the task was notified
	report := decode[automation.Report](t, rec)
	assert.Equal(t, 1, report.Totals[automation.JobLifecycleConversion].Processed)
	assert.Equal(t, 1, report.Totals[automation.JobTaskNotifications].Processed)

	charges, err := f.store.Events(context.Background(), ledger.EventQuery{TenantID: "demo", Kinds: []ledger.EventKind{ledger.KindLifecycleCharge}})
	require.NoError(t, err)
	require.Len(t, charges, 1)
	assert.Equal(t, "500.00", money(charges[0].Header().Amount))
}

func TestLoadScenario_Rejections(t *testing.T) {
	f := newAPI(t)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/scenarios/load", "demo", LoadScenarioRequest{ScenarioID: "nope"}).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/scenarios/load", "", LoadScenarioRequest{ScenarioID: "overdue-family"}).Code)
}

func TestLoadScenario_InvalidatesCachedBalances(t *testing.T) {
	// GIVEN: A past balance of fam-cohen already cached as zero
	f := newAPI(t)
	f.family(t, "demo", "fam-cohen")
	rec := f.do(t, http.MethodGet, "/api/families/fam-cohen/balance?as_of=2024-03-19", "demo", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "0.00", decode[BalanceDTO](t, rec).Balance)

	// WHEN: The scenario seeds back-dated entries for the same family
	rec = f.do(t, http.MethodPost, "/api/scenarios/load", "demo", LoadScenarioRequest{ScenarioID: "active-family"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// THEN: The same query sees them
	rec = f.do(t, http.MethodGet, "/api/families/fam-cohen/balance?as_of=2024-03-19", "demo", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "191.00", decode[BalanceDTO](t, rec).Balance)
}
