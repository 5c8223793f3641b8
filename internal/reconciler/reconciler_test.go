package reconciler

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"adguardsync/internal/rewrite"
	"adguardsync/pkg/logging"
)

func init() {
	logging.EnsureInitialized()
}

// fakeClient is an in-memory RuleClient recording every call.
type fakeClient struct {
	remote rewrite.RemoteState

	listErr   error
	failRules map[string]error // per-domain mutation failures

	adds    []rewrite.Rule
	updates [][2]rewrite.Rule
	deletes []rewrite.Rule
}

func newFakeClient(remote rewrite.RemoteState) *fakeClient {
	if remote == nil {
		remote = rewrite.RemoteState{}
	}
	return &fakeClient{remote: remote, failRules: map[string]error{}}
}

func (f *fakeClient) ListRules(ctx context.Context) (rewrite.RemoteState, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	snapshot := make(rewrite.RemoteState, len(f.remote))
	for domain, answer := range f.remote {
		snapshot[domain] = answer
	}
	return snapshot, nil
}

func (f *fakeClient) AddRule(ctx context.Context, rule rewrite.Rule) error {
	if err := f.failRules[rule.Domain]; err != nil {
		return err
	}
	f.adds = append(f.adds, rule)
	f.remote[rule.Domain] = rule.Answer
	return nil
}

func (f *fakeClient) UpdateRule(ctx context.Context, old, new rewrite.Rule) error {
	if err := f.failRules[new.Domain]; err != nil {
		return err
	}
	f.updates = append(f.updates, [2]rewrite.Rule{old, new})
	f.remote[new.Domain] = new.Answer
	return nil
}

func (f *fakeClient) DeleteRule(ctx context.Context, rule rewrite.Rule) error {
	if err := f.failRules[rule.Domain]; err != nil {
		return err
	}
	f.deletes = append(f.deletes, rule)
	delete(f.remote, rule.Domain)
	return nil
}

func (f *fakeClient) calls() int {
	return len(f.adds) + len(f.updates) + len(f.deletes)
}

// fakeStore is an in-memory StateStore.
type fakeStore struct {
	state   rewrite.ManagedState
	loadErr error
	saveErr error
	saves   int
}

func newFakeStore(state rewrite.ManagedState) *fakeStore {
	if state == nil {
		state = rewrite.ManagedState{}
	}
	return &fakeStore{state: state}
}

func (f *fakeStore) Load(ctx context.Context) (rewrite.ManagedState, error) {
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	return f.state.Clone(), nil
}

func (f *fakeStore) Save(ctx context.Context, state rewrite.ManagedState) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	f.state = state.Clone()
	f.saves++
	return nil
}

func managed(pairs map[string]string) rewrite.ManagedState {
	now := time.Now().UTC().Add(-time.Hour)
	state := rewrite.ManagedState{}
	for domain, answer := range pairs {
		state[domain] = rewrite.ManagedRecord{
			Rule:       rewrite.Rule{Domain: domain, Answer: answer},
			CreatedAt:  now,
			LastSeenAt: now,
		}
	}
	return state
}

func newReconciler(client *fakeClient, store *fakeStore) *Reconciler {
	return New(client, store, Config{SafetyThreshold: 0.8})
}

func TestReconcile_CreatesMissingRules(t *testing.T) {
	client := newFakeClient(nil)
	store := newFakeStore(nil)
	r := newReconciler(client, store)

	result, err := r.Reconcile(context.Background(), rewrite.DesiredState{
		"a.example.com": "10.0.0.1",
		"b.example.com": "10.0.0.2",
	})
	require.NoError(t, err)

	assert.Equal(t, 2, result.Created)
	assert.Len(t, client.adds, 2)
	assert.Len(t, store.state, 2)
	assert.Equal(t, "10.0.0.1", store.state["a.example.com"].Rule.Answer)
}

func TestReconcile_SecondPassIsIdempotent(t *testing.T) {
	client := newFakeClient(nil)
	store := newFakeStore(nil)
	r := newReconciler(client, store)
	desired := rewrite.DesiredState{"a.example.com": "10.0.0.1"}
	ctx := context.Background()

	_, err := r.Reconcile(ctx, desired)
	require.NoError(t, err)
	callsAfterFirst := client.calls()

	result, err := r.Reconcile(ctx, desired)
	require.NoError(t, err)

	assert.Equal(t, callsAfterFirst, client.calls(), "second pass must issue no mutations")
	assert.Equal(t, 1, result.Unchanged)
	assert.Zero(t, result.Mutations())
}

func TestReconcile_UpdatesChangedAnswer(t *testing.T) {
	client := newFakeClient(rewrite.RemoteState{"a.example.com": "10.0.0.1"})
	store := newFakeStore(managed(map[string]string{"a.example.com": "10.0.0.1"}))
	r := newReconciler(client, store)

	result, err := r.Reconcile(context.Background(), rewrite.DesiredState{"a.example.com": "10.0.0.9"})
	require.NoError(t, err)

	assert.Equal(t, 1, result.Updated)
	require.Len(t, client.updates, 1)
	assert.Equal(t, "10.0.0.1", client.updates[0][0].Answer, "update must target the server-side pair")
	assert.Equal(t, "10.0.0.9", client.updates[0][1].Answer)
	assert.Equal(t, "10.0.0.9", store.state["a.example.com"].Rule.Answer)
}

func TestReconcile_DeletesOnlyManagedRules(t *testing.T) {
	client := newFakeClient(rewrite.RemoteState{
		"managed.example.com": "10.0.0.1",
		"manual.example.com":  "192.168.1.1",
	})
	store := newFakeStore(managed(map[string]string{"managed.example.com": "10.0.0.1"}))
	r := newReconciler(client, store)

	result, err := r.Reconcile(context.Background(), rewrite.DesiredState{})
	require.NoError(t, err)

	assert.Equal(t, 1, result.Deleted)
	require.Len(t, client.deletes, 1)
	assert.Equal(t, "managed.example.com", client.deletes[0].Domain)
	assert.Contains(t, client.remote, "manual.example.com", "unmanaged rules must survive")
	assert.Empty(t, store.state)
}

func TestReconcile_ForeignDomainIsNotTouched(t *testing.T) {
	client := newFakeClient(rewrite.RemoteState{"a.example.com": "192.168.1.1"})
	store := newFakeStore(nil)
	r := newReconciler(client, store)

	result, err := r.Reconcile(context.Background(), rewrite.DesiredState{"a.example.com": "10.0.0.1"})
	require.NoError(t, err)

	assert.Equal(t, 1, result.Skipped)
	assert.Zero(t, client.calls())
	assert.Empty(t, store.state, "a foreign rule must not become managed")
}

func TestReconcile_AdoptsIdenticalUnmanagedRule(t *testing.T) {
	client := newFakeClient(rewrite.RemoteState{"a.example.com": "10.0.0.1"})
	store := newFakeStore(nil)
	r := newReconciler(client, store)

	result, err := r.Reconcile(context.Background(), rewrite.DesiredState{"a.example.com": "10.0.0.1"})
	require.NoError(t, err)

	assert.Equal(t, 1, result.Created)
	assert.Zero(t, client.calls(), "adoption needs no remote call")
	assert.Contains(t, store.state, "a.example.com")
}

func TestReconcile_ReleasesRuleTakenOverExternally(t *testing.T) {
	// Still desired, but a human repointed it since we created it.
	client := newFakeClient(rewrite.RemoteState{"a.example.com": "9.9.9.9"})
	store := newFakeStore(managed(map[string]string{"a.example.com": "10.0.0.1"}))
	r := newReconciler(client, store)

	result, err := r.Reconcile(context.Background(), rewrite.DesiredState{"a.example.com": "10.0.0.1"})
	require.NoError(t, err)

	assert.Equal(t, 1, result.Skipped)
	assert.Zero(t, client.calls())
	assert.Equal(t, "9.9.9.9", client.remote["a.example.com"])
	assert.Empty(t, store.state, "released rules leave the managed record")
}

func TestReconcile_ReleasesDeleteCandidateTakenOver(t *testing.T) {
	client := newFakeClient(rewrite.RemoteState{"a.example.com": "9.9.9.9"})
	store := newFakeStore(managed(map[string]string{"a.example.com": "10.0.0.1"}))
	r := newReconciler(client, store)

	result, err := r.Reconcile(context.Background(), rewrite.DesiredState{})
	require.NoError(t, err)

	assert.Equal(t, 1, result.Skipped)
	assert.Zero(t, result.Deleted)
	assert.Zero(t, client.calls())
	assert.Equal(t, "9.9.9.9", client.remote["a.example.com"])
	assert.Empty(t, store.state)
}

func TestReconcile_RecreatesVanishedManagedRule(t *testing.T) {
	client := newFakeClient(nil)
	store := newFakeStore(managed(map[string]string{"a.example.com": "10.0.0.1"}))
	r := newReconciler(client, store)

	result, err := r.Reconcile(context.Background(), rewrite.DesiredState{"a.example.com": "10.0.0.1"})
	require.NoError(t, err)

	assert.Equal(t, 1, result.Created)
	require.Len(t, client.adds, 1)
	assert.Equal(t, "a.example.com", client.adds[0].Domain)
}

func TestReconcile_SafetyThresholdWithholdsMassDeletion(t *testing.T) {
	remote := rewrite.RemoteState{}
	pairs := map[string]string{}
	domains := []string{
		"a.example.com", "b.example.com", "c.example.com", "d.example.com", "e.example.com",
		"f.example.com", "g.example.com", "h.example.com", "i.example.com", "j.example.com",
	}
	for i, domain := range domains {
		answer := fmt.Sprintf("10.0.0.%d", i+1)
		remote[domain] = answer
		pairs[domain] = answer
	}
	client := newFakeClient(remote)
	store := newFakeStore(managed(pairs))
	r := New(client, store, Config{SafetyThreshold: 0.8})

	// Empty discovery would delete all 10 of 10 managed rules: 10 > 0.8*10.
	result, err := r.Reconcile(context.Background(), rewrite.DesiredState{})
	require.NoError(t, err)

	assert.Zero(t, result.Deleted)
	assert.Equal(t, 10, result.Skipped)
	assert.Zero(t, client.calls())
	assert.Len(t, store.state, 10, "withheld deletions must keep their records")
}

func TestReconcile_SafetyThresholdAllowsDeletionAtBoundary(t *testing.T) {
	// 8 of 10 deletions is exactly the threshold, which is not exceeded.
	remote := rewrite.RemoteState{}
	pairs := map[string]string{}
	desired := rewrite.DesiredState{}
	domains := []string{
		"a.example.com", "b.example.com", "c.example.com", "d.example.com", "e.example.com",
		"f.example.com", "g.example.com", "h.example.com", "i.example.com", "j.example.com",
	}
	for i, domain := range domains {
		answer := fmt.Sprintf("10.0.0.%d", i+1)
		remote[domain] = answer
		pairs[domain] = answer
		if i < 2 {
			desired[domain] = answer
		}
	}
	client := newFakeClient(remote)
	store := newFakeStore(managed(pairs))
	r := New(client, store, Config{SafetyThreshold: 0.8})

	result, err := r.Reconcile(context.Background(), desired)
	require.NoError(t, err)

	assert.Equal(t, 8, result.Deleted)
	assert.Equal(t, 2, result.Unchanged)
	assert.Len(t, store.state, 2)
}

func TestReconcile_PartialFailureKeepsGoing(t *testing.T) {
	client := newFakeClient(nil)
	client.failRules["b.example.com"] = errors.New("boom")
	store := newFakeStore(nil)
	r := newReconciler(client, store)

	result, err := r.Reconcile(context.Background(), rewrite.DesiredState{
		"a.example.com": "10.0.0.1",
		"b.example.com": "10.0.0.2",
		"c.example.com": "10.0.0.3",
	})
	require.NoError(t, err)

	assert.Equal(t, 2, result.Created)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "b.example.com", result.Errors[0].Domain)
	assert.Equal(t, ActionCreate, result.Errors[0].Action)

	// The failed create is not recorded as managed; the next pass retries it.
	assert.NotContains(t, store.state, "b.example.com")
	assert.Len(t, store.state, 2)
}

func TestReconcile_FailedDeleteKeepsRecord(t *testing.T) {
	client := newFakeClient(rewrite.RemoteState{"a.example.com": "10.0.0.1"})
	client.failRules["a.example.com"] = errors.New("boom")
	store := newFakeStore(managed(map[string]string{"a.example.com": "10.0.0.1"}))
	r := newReconciler(client, store)

	result, err := r.Reconcile(context.Background(), rewrite.DesiredState{})
	require.NoError(t, err)

	require.Len(t, result.Errors, 1)
	assert.Contains(t, store.state, "a.example.com", "a failed delete keeps the rule managed for retry")
}

func TestReconcile_AllActionsFailedSkipsSave(t *testing.T) {
	client := newFakeClient(nil)
	client.failRules["a.example.com"] = errors.New("boom")
	store := newFakeStore(nil)
	r := newReconciler(client, store)

	result, err := r.Reconcile(context.Background(), rewrite.DesiredState{"a.example.com": "10.0.0.1"})
	require.NoError(t, err)

	require.Len(t, result.Errors, 1)
	assert.Zero(t, store.saves, "a fully failed pass must not overwrite persisted state")
}

func TestReconcile_ListFailureAbortsBeforeMutation(t *testing.T) {
	client := newFakeClient(nil)
	client.listErr = errors.New("connection refused")
	store := newFakeStore(managed(map[string]string{"a.example.com": "10.0.0.1"}))
	r := newReconciler(client, store)

	_, err := r.Reconcile(context.Background(), rewrite.DesiredState{})
	require.Error(t, err)
	assert.Zero(t, client.calls())
	assert.Zero(t, store.saves)
}

func TestReconcile_LoadFailureAborts(t *testing.T) {
	client := newFakeClient(nil)
	store := newFakeStore(nil)
	store.loadErr = errors.New("lock timeout")
	r := newReconciler(client, store)

	_, err := r.Reconcile(context.Background(), rewrite.DesiredState{"a.example.com": "10.0.0.1"})
	require.Error(t, err)
	assert.Zero(t, client.calls())
}

func TestReconcile_RefreshesLastSeen(t *testing.T) {
	client := newFakeClient(rewrite.RemoteState{"a.example.com": "10.0.0.1"})
	store := newFakeStore(managed(map[string]string{"a.example.com": "10.0.0.1"}))
	before := store.state["a.example.com"].LastSeenAt
	r := newReconciler(client, store)

	_, err := r.Reconcile(context.Background(), rewrite.DesiredState{"a.example.com": "10.0.0.1"})
	require.NoError(t, err)

	assert.True(t, store.state["a.example.com"].LastSeenAt.After(before))
	assert.Equal(t, before, store.state["a.example.com"].CreatedAt, "CreatedAt survives unchanged passes")
}

func TestReconcile_UpdatePreservesCreatedAt(t *testing.T) {
	client := newFakeClient(rewrite.RemoteState{"a.example.com": "10.0.0.1"})
	store := newFakeStore(managed(map[string]string{"a.example.com": "10.0.0.1"}))
	createdAt := store.state["a.example.com"].CreatedAt
	r := newReconciler(client, store)

	_, err := r.Reconcile(context.Background(), rewrite.DesiredState{"a.example.com": "10.0.0.9"})
	require.NoError(t, err)

	assert.Equal(t, createdAt, store.state["a.example.com"].CreatedAt)
}
