// Package syncstore holds the single canonical snapshot of remote planning
// resources. Views read it, subscribe to commits and trigger targeted
// refreshes; writes always go to the backend first and are only reflected
// after the following refetch.
package syncstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/agentworkforce/schediq/internal/fetch"
	"github.com/agentworkforce/schediq/internal/mirror"
	"github.com/agentworkforce/schediq/internal/resource"
)

// Fetcher is the remote side of the store. *fetch.Coordinator satisfies it.
type Fetcher interface {
	Call(ctx context.Context, method, path string, body any) (json.RawMessage, error)
	TryAcquire(key string) (func(), bool)
}

type Logger interface {
	Printf(format string, args ...any)
}

// Observer receives a private copy of the snapshot after every commit.
// Observers run synchronously on the committing goroutine and must not
// trigger a commit from inside the callback.
type Observer func(state resource.State, cache resource.AnalysisCache)

type SyncStatus struct {
	Syncing   bool   `json:"syncing"`
	LastError string `json:"last_error,omitempty"`
}

type Options struct {
	Fetcher Fetcher
	Mirror  *mirror.Mirror
	Logger  Logger
}

type Store struct {
	fetcher Fetcher
	mirror  *mirror.Mirror
	logger  Logger

	// commitMu serializes replace, persist and notify.
	commitMu sync.Mutex

	mu        sync.RWMutex
	state     resource.State
	cache     resource.AnalysisCache
	syncing   int
	lastError string
	// errorKind is the kind whose refresh produced lastError, if any.
	errorKind resource.Kind
	lastView  View

	obsMu        sync.Mutex
	observers    map[uint64]Observer
	nextObserver uint64
}

// New builds a store and seeds it from the mirror. Missing or unreadable
// mirror entries start the store empty.
func New(ctx context.Context, opts Options) (*Store, error) {
	if opts.Fetcher == nil {
		return nil, fmt.Errorf("%w: fetcher is required", resource.ErrInvalidInput)
	}
	m := opts.Mirror
	if m == nil {
		m = mirror.New(mirror.NewMemoryBackend(), opts.Logger)
	}
	s := &Store{
		fetcher:   opts.Fetcher,
		mirror:    m,
		logger:    opts.Logger,
		state:     resource.EmptyState(),
		cache:     resource.AnalysisCache{},
		observers: map[uint64]Observer{},
	}
	state, err := m.LoadState(ctx)
	if err != nil {
		s.logf("syncstore: starting with empty snapshot: %v", err)
	}
	cache, err := m.LoadAnalysisCache(ctx)
	if err != nil {
		s.logf("syncstore: starting with empty analysis cache: %v", err)
	}
	s.state = state
	s.cache = cache
	return s, nil
}

// Snapshot returns deep copies of the current state and analysis cache.
func (s *Store) Snapshot() (resource.State, resource.AnalysisCache) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Clone(), s.cache.Clone()
}

func (s *Store) Status() SyncStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return SyncStatus{Syncing: s.syncing > 0, LastError: s.lastError}
}

// Subscribe registers obs. The returned func removes it and may be called
// any number of times.
func (s *Store) Subscribe(obs Observer) func() {
	if obs == nil {
		return func() {}
	}
	s.obsMu.Lock()
	s.nextObserver++
	id := s.nextObserver
	s.observers[id] = obs
	s.obsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.obsMu.Lock()
			delete(s.observers, id)
			s.obsMu.Unlock()
		})
	}
}

// RefreshOne replaces one collection with the backend's listing. Failures
// are recorded in the sync status and leave the current data in place; a
// later success for the same kind clears them, while a success for another
// kind leaves the error in place. A refresh for a kind already in flight
// returns immediately.
func (s *Store) RefreshOne(ctx context.Context, kind resource.Kind) {
	if !kind.Valid() {
		s.logf("syncstore: refresh of unknown kind %q ignored", kind)
		return
	}
	release, ok := s.fetcher.TryAcquire(string(kind))
	if !ok {
		return
	}
	defer release()
	s.beginSync()
	defer s.endSync()

	body, err := s.fetcher.Call(ctx, http.MethodGet, kind.CollectionPath(), nil)
	if err != nil {
		s.recordFailure(kind, err)
		return
	}
	apply, err := decodeListing(kind, body)
	if err != nil {
		s.recordFailure(kind, err)
		return
	}
	s.commit(ctx, func(state *resource.State, _ resource.AnalysisCache) {
		apply(state)
		if s.errorKind == kind {
			s.lastError, s.errorKind = "", ""
		}
	})
}

// RefreshAll refreshes every kind concurrently. One kind failing does not
// affect the others.
func (s *Store) RefreshAll(ctx context.Context) {
	s.beginSync()
	defer s.endSync()
	var wg sync.WaitGroup
	for _, kind := range resource.Kinds() {
		wg.Add(1)
		go func(kind resource.Kind) {
			defer wg.Done()
			s.RefreshOne(ctx, kind)
		}(kind)
	}
	wg.Wait()
}

// Create posts a sanitized draft and refetches the kind.
func (s *Store) Create(ctx context.Context, kind resource.Kind, draft any) error {
	payload, err := s.createPayload(kind, draft)
	if err != nil {
		return err
	}
	if _, err := s.fetcher.Call(ctx, http.MethodPost, kind.CollectionPath(), payload); err != nil {
		return fmt.Errorf("create %s: %w", kind, err)
	}
	s.clearLastError()
	s.RefreshOne(ctx, kind)
	return nil
}

// Update writes a patch for id and refetches the kind. Teams and members are
// replaced with PUT, modules and tasks are patched. A task that is not in the
// snapshot is refetched first so the committed guard sees its current state.
func (s *Store) Update(ctx context.Context, kind resource.Kind, id string, patch any) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("%w: %s id is required", resource.ErrInvalidInput, kind)
	}
	method, payload, err := s.updatePayload(ctx, kind, id, patch)
	if err != nil {
		return err
	}
	if _, err := s.fetcher.Call(ctx, method, fetch.ResourcePath(kind.CollectionPath(), id), payload); err != nil {
		return fmt.Errorf("update %s %s: %w", kind, id, err)
	}
	s.clearLastError()
	s.RefreshOne(ctx, kind)
	return nil
}

// SetStatus applies a direct status edit. COMMITTED and unknown statuses are
// rejected without contacting the backend.
func (s *Store) SetStatus(ctx context.Context, taskID, status string) error {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return fmt.Errorf("%w: task id is required", resource.ErrInvalidInput)
	}
	next, err := resource.CheckDirectTransition(status)
	if err != nil {
		return err
	}
	body := map[string]string{"status": string(next)}
	if _, err := s.fetcher.Call(ctx, http.MethodPatch, fetch.ResourcePath(resource.KindTasks.CollectionPath(), taskID, "status"), body); err != nil {
		return fmt.Errorf("set status of task %s: %w", taskID, err)
	}
	s.clearLastError()
	s.RefreshOne(ctx, resource.KindTasks)
	return nil
}

// Analyze requests a feasibility analysis of taskID and caches the result.
// A successful response without a body is reported as ErrEmptyResult instead
// of being cached as a null result.
func (s *Store) Analyze(ctx context.Context, taskID string) (resource.AnalysisResult, error) {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return resource.AnalysisResult{}, fmt.Errorf("%w: task id is required", resource.ErrInvalidInput)
	}
	body, err := s.fetcher.Call(ctx, http.MethodPost, fetch.ResourcePath(resource.KindTasks.CollectionPath(), taskID, "analyze"), nil)
	if err != nil {
		return resource.AnalysisResult{}, fmt.Errorf("analyze task %s: %w", taskID, err)
	}
	result, err := resource.DecodeAnalysis(body)
	if err != nil {
		return resource.AnalysisResult{}, fmt.Errorf("analyze task %s: %w", taskID, err)
	}
	s.commit(ctx, func(_ *resource.State, cache resource.AnalysisCache) {
		cache[taskID] = result.Clone()
		s.lastError, s.errorKind = "", ""
	})
	return result, nil
}

// Commit executes plan for taskID. An empty plan is replaced by one derived
// from the task's own team work.
func (s *Store) Commit(ctx context.Context, taskID string, plan map[string]json.RawMessage, force bool) error {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return fmt.Errorf("%w: task id is required", resource.ErrInvalidInput)
	}
	if len(plan) == 0 {
		s.mu.RLock()
		task, ok := s.state.FindTask(taskID)
		s.mu.RUnlock()
		if !ok {
			return fmt.Errorf("%w: task %s is not loaded and no plan was given", resource.ErrInvalidInput, taskID)
		}
		plan = resource.FallbackPlan(task)
	}
	body := struct {
		Plan  map[string]json.RawMessage `json:"plan"`
		Force bool                       `json:"force"`
	}{Plan: plan, Force: force}
	if _, err := s.fetcher.Call(ctx, http.MethodPost, fetch.ResourcePath(resource.KindTasks.CollectionPath(), taskID, "commit"), body); err != nil {
		return fmt.Errorf("commit task %s: %w", taskID, err)
	}
	s.clearLastError()
	s.RefreshOne(ctx, resource.KindTasks)
	return nil
}

// Rehydrate reloads both mirror entries and notifies observers. It is used
// when another process rewrote a shared mirror.
func (s *Store) Rehydrate(ctx context.Context) error {
	state, err := s.mirror.LoadState(ctx)
	if err != nil {
		return err
	}
	cache, err := s.mirror.LoadAnalysisCache(ctx)
	if err != nil {
		return err
	}
	s.commitMu.Lock()
	defer s.commitMu.Unlock()
	s.mu.Lock()
	s.state = state
	s.cache = cache
	s.mu.Unlock()
	s.notify(state.Clone(), cache.Clone())
	return nil
}

// RehydrateIfChanged rehydrates only when the mirror holds data this store
// did not write.
func (s *Store) RehydrateIfChanged(ctx context.Context) (bool, error) {
	changed, err := s.mirror.Changed(ctx)
	if err != nil || !changed {
		return false, err
	}
	return true, s.Rehydrate(ctx)
}

// Clear empties state and cache and deletes both mirror entries.
func (s *Store) Clear(ctx context.Context) error {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()
	s.mu.Lock()
	s.state = resource.EmptyState()
	s.cache = resource.AnalysisCache{}
	s.lastError, s.errorKind = "", ""
	s.lastView = ""
	s.mu.Unlock()
	err := s.mirror.Clear(context.WithoutCancel(ctx))
	s.notify(resource.EmptyState(), resource.AnalysisCache{})
	return err
}

func (s *Store) createPayload(kind resource.Kind, draft any) (map[string]any, error) {
	switch kind {
	case resource.KindTeams, resource.KindMembers:
		return resource.SanitizeObject(draft)
	case resource.KindModules:
		return resource.NormalizeOwnershipForWrite(draft, s.teamIDs())
	case resource.KindTasks:
		payload, err := resource.SanitizeObject(draft)
		if err != nil {
			return nil, err
		}
		if raw, ok := payload["status"]; ok {
			status, err := resource.CheckDirectTransition(fmt.Sprint(raw))
			if err != nil {
				return nil, err
			}
			payload["status"] = string(status)
		}
		if err := resource.ValidateTaskDraft(payload); err != nil {
			return nil, err
		}
		return payload, nil
	}
	return nil, fmt.Errorf("%w: %q", resource.ErrUnknownKind, kind)
}

func (s *Store) updatePayload(ctx context.Context, kind resource.Kind, id string, patch any) (string, map[string]any, error) {
	switch kind {
	case resource.KindTeams, resource.KindMembers:
		payload, err := resource.SanitizeObject(patch)
		if err != nil {
			return "", nil, err
		}
		payload["id"] = id
		return http.MethodPut, payload, nil
	case resource.KindModules:
		payload, err := resource.NormalizeOwnershipForWrite(patch, s.teamIDs())
		return http.MethodPatch, payload, err
	case resource.KindTasks:
		payload, err := resource.SanitizeObject(patch)
		if err != nil {
			return "", nil, err
		}
		delete(payload, "status")
		current, ok := s.findTask(id)
		if !ok {
			s.RefreshOne(ctx, resource.KindTasks)
			current, ok = s.findTask(id)
		}
		if ok && current.Status == resource.StatusCommitted {
			changed, err := resource.ChangesParticipation(current, payload)
			if err != nil {
				return "", nil, err
			}
			if changed {
				return "", nil, fmt.Errorf("%w: %s cannot change teams or team work", resource.ErrCommittedTask, id)
			}
		}
		if err := resource.ValidateTaskPatch(current, payload); err != nil {
			return "", nil, err
		}
		return http.MethodPatch, payload, nil
	}
	return "", nil, fmt.Errorf("%w: %q", resource.ErrUnknownKind, kind)
}

func (s *Store) findTask(id string) (resource.Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.FindTask(id)
}

// decodeListing turns a listing body into a state mutation. An absent body
// counts as an empty collection.
func decodeListing(kind resource.Kind, body json.RawMessage) (func(*resource.State), error) {
	items := resource.UnwrapCollection(body, kind)
	switch kind {
	case resource.KindTeams:
		teams, err := resource.DecodeItems[resource.Team](kind, items)
		if err != nil {
			return nil, err
		}
		return func(st *resource.State) { st.Teams = teams }, nil
	case resource.KindMembers:
		members, err := resource.DecodeItems[resource.Member](kind, items)
		if err != nil {
			return nil, err
		}
		return func(st *resource.State) { st.Members = members }, nil
	case resource.KindModules:
		modules, err := resource.DecodeItems[resource.Module](kind, items)
		if err != nil {
			return nil, err
		}
		return func(st *resource.State) { st.Modules = modules }, nil
	case resource.KindTasks:
		tasks, err := resource.DecodeItems[resource.Task](kind, items)
		if err != nil {
			return nil, err
		}
		var assignments []resource.Assignment
		rawAssignments, hasAssignments := resource.LookupEnvelope(body, "assignments")
		if hasAssignments {
			assignments, err = resource.DecodeItems[resource.Assignment]("assignments", rawAssignments)
			if err != nil {
				return nil, err
			}
		}
		return func(st *resource.State) {
			st.Tasks = tasks
			if hasAssignments {
				st.Assignments = assignments
			}
		}, nil
	}
	return nil, fmt.Errorf("%w: %q", resource.ErrUnknownKind, kind)
}

// commit applies mutate under the state lock, persists the result and
// notifies observers, all while holding commitMu.
func (s *Store) commit(ctx context.Context, mutate func(state *resource.State, cache resource.AnalysisCache)) {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	s.mu.Lock()
	mutate(&s.state, s.cache)
	state := s.state.Clone()
	cache := s.cache.Clone()
	s.mu.Unlock()

	if err := s.mirror.Save(context.WithoutCancel(ctx), state, cache); err != nil {
		s.logf("syncstore: mirror write failed: %v", err)
	}
	s.notify(state, cache)
}

func (s *Store) notify(state resource.State, cache resource.AnalysisCache) {
	s.obsMu.Lock()
	ids := make([]uint64, 0, len(s.observers))
	for id := range s.observers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	observers := make([]Observer, 0, len(ids))
	for _, id := range ids {
		observers = append(observers, s.observers[id])
	}
	s.obsMu.Unlock()

	for i, obs := range observers {
		if i == len(observers)-1 {
			obs(state, cache)
			continue
		}
		obs(state.Clone(), cache.Clone())
	}
}

func (s *Store) recordFailure(kind resource.Kind, err error) {
	msg := err.Error()
	var httpErr *fetch.HTTPError
	if errors.As(err, &httpErr) {
		msg = httpErr.Message
	}
	s.mu.Lock()
	s.lastError = kind.Label() + ": " + msg
	s.errorKind = kind
	s.mu.Unlock()
	s.logf("syncstore: refresh %s failed: %v", kind, err)
}

func (s *Store) clearLastError() {
	s.mu.Lock()
	s.lastError, s.errorKind = "", ""
	s.mu.Unlock()
}

func (s *Store) beginSync() {
	s.mu.Lock()
	s.syncing++
	s.mu.Unlock()
}

func (s *Store) endSync() {
	s.mu.Lock()
	s.syncing--
	s.mu.Unlock()
}

func (s *Store) teamIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.TeamIDs()
}

func (s *Store) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}
