package syncstore

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentworkforce/schediq/internal/fetch"
	"github.com/agentworkforce/schediq/internal/mirror"
	"github.com/agentworkforce/schediq/internal/resource"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   map[string]any
}

// planningAPI is an in-process stand-in for the planning backend.
type planningAPI struct {
	mu       sync.Mutex
	routes   map[string]http.HandlerFunc
	requests []recordedRequest
	hits     map[string]*atomic.Int64
}

func newPlanningAPI(t *testing.T) (*planningAPI, string) {
	t.Helper()
	api := &planningAPI{routes: map[string]http.HandlerFunc{}, hits: map[string]*atomic.Int64{}}
	server := httptest.NewServer(http.HandlerFunc(api.serve))
	t.Cleanup(server.Close)
	return api, server.URL + "/api"
}

func (a *planningAPI) handle(route string, h http.HandlerFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.routes[route] = h
	if _, ok := a.hits[route]; !ok {
		a.hits[route] = &atomic.Int64{}
	}
}

func (a *planningAPI) respond(route string, status int, body string) {
	a.handle(route, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	})
}

func (a *planningAPI) count(route string) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if counter, ok := a.hits[route]; ok {
		return counter.Load()
	}
	return 0
}

func (a *planningAPI) recorded() []recordedRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]recordedRequest(nil), a.requests...)
}

func (a *planningAPI) serve(w http.ResponseWriter, r *http.Request) {
	route := r.Method + " " + strings.TrimPrefix(r.URL.Path, "/api")
	var body map[string]any
	if data, _ := io.ReadAll(r.Body); len(data) > 0 {
		_ = json.Unmarshal(data, &body)
	}
	a.mu.Lock()
	a.requests = append(a.requests, recordedRequest{Method: r.Method, Path: route, Body: body})
	h, ok := a.routes[route]
	counter := a.hits[route]
	a.mu.Unlock()
	if !ok {
		http.Error(w, `{"error":"no route `+route+`"}`, http.StatusNotFound)
		return
	}
	counter.Add(1)
	h(w, r)
}

func newTestStore(t *testing.T, baseURL string, m *mirror.Mirror) *Store {
	t.Helper()
	store, err := New(context.Background(), Options{
		Fetcher: fetch.NewCoordinator(fetch.Options{BaseURL: baseURL}),
		Mirror:  m,
	})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

const twoTeams = `[{"id":"A","name":"Platform"},{"id":"B","name":"Data"}]`

const committedTask = `{"tasks":[{"id":"t1","title":"Launch","module_id":"m1","teams_involved":["A"],"team_work":{"A":{"effort_hours":8,"depends_on":[]}},"status":"COMMITTED"}],"assignments":[{"id":"as1","task_id":"t1","member_id":"u1","assigned_hours":8}]}`

func TestNewRequiresFetcher(t *testing.T) {
	if _, err := New(context.Background(), Options{}); !errors.Is(err, resource.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestRefreshReplacesCollectionAndPersists(t *testing.T) {
	api, baseURL := newPlanningAPI(t)
	api.respond("GET /teams", http.StatusOK, `{"data":{"teams":`+twoTeams+`}}`)
	backend := mirror.NewMemoryBackend()
	store := newTestStore(t, baseURL, mirror.New(backend, nil))

	store.RefreshOne(context.Background(), resource.KindTeams)

	state, _ := store.Snapshot()
	if len(state.Teams) != 2 || state.Teams[1].Name != "Data" {
		t.Fatalf("unexpected teams: %+v", state.Teams)
	}
	persisted, err := mirror.New(backend, nil).LoadState(context.Background())
	if err != nil || len(persisted.Teams) != 2 {
		t.Fatalf("expected refreshed teams in mirror, got %+v %v", persisted.Teams, err)
	}
	if status := store.Status(); status.Syncing || status.LastError != "" {
		t.Fatalf("unexpected status after refresh: %+v", status)
	}
}

func TestRefreshAcceptsNumericIdentifiers(t *testing.T) {
	api, baseURL := newPlanningAPI(t)
	api.respond("GET /teams", http.StatusOK, `[{"id":1,"name":"Platform"},{"id":2,"name":"Data"}]`)
	store := newTestStore(t, baseURL, nil)

	store.RefreshOne(context.Background(), resource.KindTeams)
	if status := store.Status(); status.LastError != "" {
		t.Fatalf("unexpected refresh error %q", status.LastError)
	}
	state, _ := store.Snapshot()
	if len(state.Teams) != 2 || state.Teams[0].ID != "1" || state.Teams[1].ID != "2" {
		t.Fatalf("expected numeric ids as strings, got %+v", state.Teams)
	}
}

func TestRefreshTasksAlsoReplacesAssignments(t *testing.T) {
	api, baseURL := newPlanningAPI(t)
	api.respond("GET /tasks", http.StatusOK, committedTask)
	store := newTestStore(t, baseURL, nil)

	store.RefreshOne(context.Background(), resource.KindTasks)

	state, _ := store.Snapshot()
	if len(state.Tasks) != 1 || state.Tasks[0].Status != resource.StatusCommitted {
		t.Fatalf("unexpected tasks: %+v", state.Tasks)
	}
	if len(state.Assignments) != 1 || state.Assignments[0].MemberID != "u1" {
		t.Fatalf("unexpected assignments: %+v", state.Assignments)
	}
}

func TestConcurrentRefreshOfSameKindIssuesOneRequest(t *testing.T) {
	api, baseURL := newPlanningAPI(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	api.handle("GET /tasks", func(w http.ResponseWriter, _ *http.Request) {
		close(entered)
		<-release
		_, _ = io.WriteString(w, `[]`)
	})
	store := newTestStore(t, baseURL, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		store.RefreshOne(context.Background(), resource.KindTasks)
	}()
	<-entered
	if !store.Status().Syncing {
		t.Fatalf("expected syncing while a refresh is in flight")
	}

	second := make(chan struct{})
	go func() {
		defer close(second)
		store.RefreshOne(context.Background(), resource.KindTasks)
	}()
	select {
	case <-second:
	case <-time.After(2 * time.Second):
		t.Fatalf("duplicate refresh did not return immediately")
	}
	close(release)
	<-done

	if got := api.count("GET /tasks"); got != 1 {
		t.Fatalf("expected one tasks request, got %d", got)
	}
}

func TestRefreshFailureKeepsDataAndLabelsError(t *testing.T) {
	api, baseURL := newPlanningAPI(t)
	api.respond("GET /team-members", http.StatusOK, `[{"id":"u1","name":"Ada","is_active":true}]`)
	store := newTestStore(t, baseURL, nil)
	store.RefreshOne(context.Background(), resource.KindMembers)

	var notified atomic.Int64
	unsubscribe := store.Subscribe(func(resource.State, resource.AnalysisCache) { notified.Add(1) })
	defer unsubscribe()

	api.respond("GET /team-members", http.StatusInternalServerError, `{"message":"db down"}`)
	store.RefreshOne(context.Background(), resource.KindMembers)

	if got := api.count("GET /team-members"); got != 3 {
		t.Fatalf("expected initial call plus one retried failure, got %d", got)
	}
	state, _ := store.Snapshot()
	if len(state.Members) != 1 || state.Members[0].Name != "Ada" {
		t.Fatalf("failed refresh must keep prior data, got %+v", state.Members)
	}
	if got := store.Status().LastError; got != "Personnel: db down" {
		t.Fatalf("unexpected last error %q", got)
	}
	if notified.Load() != 0 {
		t.Fatalf("failed refresh must not notify observers")
	}

	api.respond("GET /team-members", http.StatusOK, `[]`)
	store.RefreshOne(context.Background(), resource.KindMembers)
	if got := store.Status().LastError; got != "" {
		t.Fatalf("successful refresh should clear last error, got %q", got)
	}
}

func TestRefreshAllIsolatesFailures(t *testing.T) {
	api, baseURL := newPlanningAPI(t)
	api.respond("GET /teams", http.StatusOK, twoTeams)
	api.respond("GET /team-members", http.StatusOK, `[]`)
	api.respond("GET /modules", http.StatusBadGateway, `{"error":"modules unavailable"}`)
	api.respond("GET /tasks", http.StatusOK, `{"tasks":[]}`)
	store := newTestStore(t, baseURL, nil)

	store.RefreshAll(context.Background())

	state, _ := store.Snapshot()
	if len(state.Teams) != 2 {
		t.Fatalf("teams should load despite modules failing, got %+v", state.Teams)
	}
	if got := store.Status(); got.Syncing || got.LastError != "Modules: modules unavailable" {
		t.Fatalf("unexpected status %+v", got)
	}
}

func TestSetStatusRejectsCommittedWithoutNetwork(t *testing.T) {
	api, baseURL := newPlanningAPI(t)
	store := newTestStore(t, baseURL, nil)

	for _, status := range []string{"COMMITTED", "committed", "DONE"} {
		if err := store.SetStatus(context.Background(), "t1", status); !errors.Is(err, resource.ErrInvalidTransition) {
			t.Fatalf("status %q: expected invalid transition, got %v", status, err)
		}
	}
	if got := len(api.recorded()); got != 0 {
		t.Fatalf("expected no requests, got %d", got)
	}
}

func TestSetStatusPatchesThenRefetches(t *testing.T) {
	api, baseURL := newPlanningAPI(t)
	api.respond("PATCH /tasks/t1/status", http.StatusOK, `{}`)
	api.respond("GET /tasks", http.StatusOK, `[{"id":"t1","status":"ON_HOLD"}]`)
	store := newTestStore(t, baseURL, nil)

	if err := store.SetStatus(context.Background(), "t1", "on_hold"); err != nil {
		t.Fatalf("set status: %v", err)
	}
	requests := api.recorded()
	if len(requests) != 2 || requests[0].Body["status"] != "ON_HOLD" || requests[1].Path != "GET /tasks" {
		t.Fatalf("unexpected requests: %+v", requests)
	}
	state, _ := store.Snapshot()
	if state.Tasks[0].Status != resource.StatusOnHold {
		t.Fatalf("expected refetched status, got %+v", state.Tasks)
	}
}

func TestUpdateCommittedTaskGuardsParticipation(t *testing.T) {
	api, baseURL := newPlanningAPI(t)
	api.respond("GET /tasks", http.StatusOK, committedTask)
	api.respond("PATCH /tasks/t1", http.StatusOK, `{}`)
	store := newTestStore(t, baseURL, nil)
	store.RefreshOne(context.Background(), resource.KindTasks)

	err := store.Update(context.Background(), resource.KindTasks, "t1", map[string]any{
		"teams_involved": []string{"A", "B"},
		"team_work": map[string]any{
			"A": map[string]any{"effort_hours": 8},
			"B": map[string]any{"effort_hours": 4},
		},
	})
	if !errors.Is(err, resource.ErrCommittedTask) {
		t.Fatalf("expected committed task error, got %v", err)
	}
	if got := api.count("PATCH /tasks/t1"); got != 0 {
		t.Fatalf("guarded update must not reach the backend, got %d", got)
	}

	if err := store.Update(context.Background(), resource.KindTasks, "t1", map[string]any{
		"title":  "Launch v2",
		"status": "PLANNING",
	}); err != nil {
		t.Fatalf("metadata update of committed task: %v", err)
	}
	requests := api.recorded()
	var patch recordedRequest
	for _, req := range requests {
		if req.Path == "PATCH /tasks/t1" {
			patch = req
		}
	}
	if patch.Body["title"] != "Launch v2" {
		t.Fatalf("expected title in patch, got %+v", patch.Body)
	}
	if _, ok := patch.Body["status"]; ok {
		t.Fatalf("status must never travel in a general update: %+v", patch.Body)
	}
}

func TestUpdateUnloadedTaskRefetchesBeforeGuard(t *testing.T) {
	api, baseURL := newPlanningAPI(t)
	api.respond("GET /tasks", http.StatusOK, committedTask)
	api.respond("PATCH /tasks/t1", http.StatusOK, `{}`)
	store := newTestStore(t, baseURL, nil)

	err := store.Update(context.Background(), resource.KindTasks, "t1", map[string]any{
		"teams_involved": []string{"B"},
		"team_work":      map[string]any{"B": map[string]any{"effort_hours": 2}},
	})
	if !errors.Is(err, resource.ErrCommittedTask) {
		t.Fatalf("expected committed task error for unloaded task, got %v", err)
	}
	if got := api.count("GET /tasks"); got != 1 {
		t.Fatalf("expected tasks to be fetched once before the guard, got %d", got)
	}
	if got := api.count("PATCH /tasks/t1"); got != 0 {
		t.Fatalf("guarded update must not reach the backend, got %d", got)
	}
}

func TestCreateSanitizesAndValidates(t *testing.T) {
	api, baseURL := newPlanningAPI(t)
	api.respond("POST /teams", http.StatusCreated, `{}`)
	api.respond("GET /teams", http.StatusOK, twoTeams)
	store := newTestStore(t, baseURL, nil)

	if err := store.Create(context.Background(), resource.KindTeams, map[string]any{
		"id": "client-side", "name": "Platform", "created_at": "2024-01-01",
	}); err != nil {
		t.Fatalf("create team: %v", err)
	}
	post := api.recorded()[0]
	if _, ok := post.Body["id"]; ok {
		t.Fatalf("server-owned id leaked into create: %+v", post.Body)
	}
	if _, ok := post.Body["created_at"]; ok {
		t.Fatalf("server-owned created_at leaked into create: %+v", post.Body)
	}

	err := store.Create(context.Background(), resource.KindTasks, map[string]any{
		"title": "No teams", "module_id": "m1",
	})
	if !errors.Is(err, resource.ErrInvalidInput) {
		t.Fatalf("expected invalid input for task without teams, got %v", err)
	}
	err = store.Create(context.Background(), resource.KindTasks, map[string]any{
		"title": "Sneaky", "module_id": "m1", "teams_involved": []string{"A"},
		"team_work": map[string]any{"A": map[string]any{"effort_hours": 1}}, "status": "committed",
	})
	if !errors.Is(err, resource.ErrInvalidTransition) {
		t.Fatalf("expected task created as COMMITTED to be rejected, got %v", err)
	}
}

func TestUpdateModuleNormalizesOwnership(t *testing.T) {
	api, baseURL := newPlanningAPI(t)
	api.respond("GET /teams", http.StatusOK, twoTeams)
	api.respond("PATCH /modules/m1", http.StatusOK, `{}`)
	api.respond("GET /modules", http.StatusOK, `[{"id":"m1","name":"Core","module_owners":[{"team_id":"A","member_id":"u1","role":"PRIMARY"}]}]`)
	store := newTestStore(t, baseURL, nil)
	store.RefreshOne(context.Background(), resource.KindTeams)

	err := store.Update(context.Background(), resource.KindModules, "m1", map[string]any{
		"name": "Core",
		"owners": []map[string]any{
			{"team_id": "A", "member_id": "u1", "role": "PRIMARY"},
			{"team_id": "A", "member_id": "u2", "role": "PRIMARY"},
			{"team_id": "Z", "member_id": "u3", "role": "PRIMARY"},
		},
	})
	if err != nil {
		t.Fatalf("update module: %v", err)
	}
	var patch recordedRequest
	for _, req := range api.recorded() {
		if req.Path == "PATCH /modules/m1" {
			patch = req
		}
	}
	owners, _ := patch.Body["module_owners"].([]any)
	if len(owners) != 1 {
		t.Fatalf("expected a single surviving primary, got %+v", patch.Body)
	}
	state, _ := store.Snapshot()
	if len(state.Modules) != 1 || len(state.Modules[0].Owners) != 1 {
		t.Fatalf("expected module refetched with owners, got %+v", state.Modules)
	}
}

func TestUpdateModuleOwnersOnlyLeavesNameUntouched(t *testing.T) {
	api, baseURL := newPlanningAPI(t)
	api.respond("GET /teams", http.StatusOK, twoTeams)
	api.respond("PATCH /modules/m1", http.StatusOK, `{}`)
	api.respond("GET /modules", http.StatusOK, `[{"id":"m1","name":"Core"}]`)
	store := newTestStore(t, baseURL, nil)
	store.RefreshOne(context.Background(), resource.KindTeams)

	err := store.Update(context.Background(), resource.KindModules, "m1", map[string]any{
		"owners": []map[string]any{{"team_id": "A", "member_id": "u1", "role": "PRIMARY"}},
	})
	if err != nil {
		t.Fatalf("update module owners: %v", err)
	}
	var patch recordedRequest
	for _, req := range api.recorded() {
		if req.Path == "PATCH /modules/m1" {
			patch = req
		}
	}
	if _, ok := patch.Body["name"]; ok {
		t.Fatalf("owners-only update must not send a name: %+v", patch.Body)
	}
	if _, ok := patch.Body["description"]; ok {
		t.Fatalf("owners-only update must not send a description: %+v", patch.Body)
	}
	if owners, _ := patch.Body["module_owners"].([]any); len(owners) != 1 {
		t.Fatalf("expected owners in patch, got %+v", patch.Body)
	}
}

func TestAnalyzeCachesResult(t *testing.T) {
	api, baseURL := newPlanningAPI(t)
	api.respond("POST /tasks/t1/analyze", http.StatusOK, `{"feasible":false,"conflicts":[{"member_id":7,"member_name":"Ada","overload_hours":6}]}`)
	store := newTestStore(t, baseURL, nil)

	var seen resource.AnalysisCache
	unsubscribe := store.Subscribe(func(_ resource.State, cache resource.AnalysisCache) { seen = cache })
	defer unsubscribe()

	result, err := store.Analyze(context.Background(), "t1")
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if result.Feasible || len(result.Conflicts) != 1 || result.Conflicts[0].MemberID != "7" {
		t.Fatalf("unexpected analysis %+v", result)
	}
	if _, ok := seen["t1"]; !ok {
		t.Fatalf("observer did not see cached analysis: %+v", seen)
	}
	_, cache := store.Snapshot()
	if string(cache["t1"].Raw()) != string(result.Raw()) {
		t.Fatalf("cached analysis differs from returned result")
	}

	api.respond("POST /tasks/t2/analyze", http.StatusOK, `{"conflicts":[]}`)
	if _, err := store.Analyze(context.Background(), "t2"); !errors.Is(err, resource.ErrInvalidInput) {
		t.Fatalf("expected schema failure, got %v", err)
	}
	if _, cache := store.Snapshot(); len(cache) != 1 {
		t.Fatalf("invalid analysis must not be cached, got %+v", cache)
	}
}

func TestAnalyzeWithoutBodyIsNotCached(t *testing.T) {
	api, baseURL := newPlanningAPI(t)
	api.handle("POST /tasks/t1/analyze", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	store := newTestStore(t, baseURL, nil)

	if _, err := store.Analyze(context.Background(), "t1"); !errors.Is(err, resource.ErrEmptyResult) {
		t.Fatalf("expected empty result error, got %v", err)
	}
	if _, cache := store.Snapshot(); len(cache) != 0 {
		t.Fatalf("empty analysis must not be cached, got %+v", cache)
	}
}

func TestCommitFallsBackToTaskTeamWork(t *testing.T) {
	api, baseURL := newPlanningAPI(t)
	api.respond("GET /tasks", http.StatusOK, committedTask)
	api.respond("POST /tasks/t1/commit", http.StatusOK, `{}`)
	store := newTestStore(t, baseURL, nil)
	store.RefreshOne(context.Background(), resource.KindTasks)

	if err := store.Commit(context.Background(), "t1", nil, true); err != nil {
		t.Fatalf("commit: %v", err)
	}
	var commit recordedRequest
	for _, req := range api.recorded() {
		if req.Path == "POST /tasks/t1/commit" {
			commit = req
		}
	}
	plan, _ := commit.Body["plan"].(map[string]any)
	entry, _ := plan["A"].(map[string]any)
	if entry["owner_type"] != "primary" || entry["effort_hours"] != float64(8) || commit.Body["force"] != true {
		t.Fatalf("unexpected commit body %+v", commit.Body)
	}
	if got := api.count("GET /tasks"); got != 2 {
		t.Fatalf("expected tasks refetch after commit, got %d", got)
	}

	if err := store.Commit(context.Background(), "missing", nil, false); !errors.Is(err, resource.ErrInvalidInput) {
		t.Fatalf("expected invalid input for unknown task, got %v", err)
	}
}

func TestObserversReceiveIndependentCopies(t *testing.T) {
	api, baseURL := newPlanningAPI(t)
	api.respond("GET /teams", http.StatusOK, twoTeams)
	store := newTestStore(t, baseURL, nil)

	var first, second resource.State
	unsubscribeFirst := store.Subscribe(func(state resource.State, _ resource.AnalysisCache) {
		state.Teams[0].Name = "mutated"
		first = state
	})
	unsubscribeSecond := store.Subscribe(func(state resource.State, _ resource.AnalysisCache) { second = state })

	store.RefreshOne(context.Background(), resource.KindTeams)
	if first.Teams[0].Name != "mutated" || second.Teams[0].Name != "Platform" {
		t.Fatalf("observers share memory: %+v %+v", first.Teams, second.Teams)
	}
	if state, _ := store.Snapshot(); state.Teams[0].Name != "Platform" {
		t.Fatalf("observer mutated store state: %+v", state.Teams)
	}

	unsubscribeFirst()
	unsubscribeFirst()
	unsubscribeSecond()
	first, second = resource.State{}, resource.State{}
	api.respond("GET /teams", http.StatusOK, `[]`)
	store.RefreshOne(context.Background(), resource.KindTeams)
	if first.Teams != nil || second.Teams != nil {
		t.Fatalf("unsubscribed observers were notified")
	}
}

func TestStoreRehydratesFromSharedMirror(t *testing.T) {
	api, baseURL := newPlanningAPI(t)
	api.respond("GET /teams", http.StatusOK, twoTeams)
	backend := mirror.NewMemoryBackend()
	writer := newTestStore(t, baseURL, mirror.New(backend, nil))
	reader := newTestStore(t, baseURL, mirror.New(backend, nil))

	writer.RefreshOne(context.Background(), resource.KindTeams)
	if state, _ := reader.Snapshot(); len(state.Teams) != 0 {
		t.Fatalf("reader should start empty, got %+v", state.Teams)
	}
	changed, err := reader.RehydrateIfChanged(context.Background())
	if err != nil || !changed {
		t.Fatalf("expected rehydrate, got %v %v", changed, err)
	}
	if state, _ := reader.Snapshot(); len(state.Teams) != 2 {
		t.Fatalf("expected rehydrated teams, got %+v", state.Teams)
	}
	if changed, _ := reader.RehydrateIfChanged(context.Background()); changed {
		t.Fatalf("second rehydrate should see no change")
	}

	restarted := newTestStore(t, baseURL, mirror.New(backend, nil))
	if state, _ := restarted.Snapshot(); len(state.Teams) != 2 {
		t.Fatalf("new store should seed from mirror, got %+v", state.Teams)
	}
}

func TestClearEmptiesStateAndMirror(t *testing.T) {
	api, baseURL := newPlanningAPI(t)
	api.respond("GET /teams", http.StatusOK, twoTeams)
	backend := mirror.NewMemoryBackend()
	store := newTestStore(t, baseURL, mirror.New(backend, nil))
	store.RefreshOne(context.Background(), resource.KindTeams)

	if err := store.Clear(context.Background()); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if state, _ := store.Snapshot(); len(state.Teams) != 0 {
		t.Fatalf("expected empty state, got %+v", state.Teams)
	}
	if data, _ := backend.Load(context.Background(), mirror.StateKey); data != nil {
		t.Fatalf("expected mirror entry removed, got %s", data)
	}
}
