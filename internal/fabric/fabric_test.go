package fabric

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spokedpy/backend/internal/config"
	"github.com/spokedpy/backend/internal/executor"
	"github.com/spokedpy/backend/internal/lang"
	"github.com/spokedpy/backend/internal/registry"
	"github.com/spokedpy/backend/internal/staging"
)

type scriptedExecutor struct {
	language *lang.Language
	result   executor.Result
}

func (s *scriptedExecutor) Execute(ctx context.Context, code string) (*executor.Result, error) {
	r := s.result
	return &r, nil
}

func (s *scriptedExecutor) Language() *lang.Language { return s.language }

type scriptedFactory struct{ exec *scriptedExecutor }

func (f *scriptedFactory) Shared() executor.Executor { return f.exec }
func (f *scriptedFactory) Fresh() executor.Executor  { return f.exec }

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		Server: config.ServerConfig{Port: "0"},
		Paths: config.PathsConfig{
			SnippetsDir:    filepath.Join(dir, "snippets"),
			AuditLog:       filepath.Join(dir, "audit.jsonl"),
			CheckpointFile: filepath.Join(dir, "checkpoint.json"),
		},
		Matrix:     config.MatrixConfig{BufferCap: 16},
		Checkpoint: config.CheckpointConfig{DebounceMS: 50},
	}
}

func testPool(t *testing.T) *executor.Pool {
	t.Helper()
	pool := executor.NewPool(t.TempDir())
	l, _ := lang.ByName("python")
	pool.Register("python", &scriptedFactory{exec: &scriptedExecutor{
		language: l,
		result:   executor.Result{Success: true, Output: "ok\n", Elapsed: 2 * time.Millisecond},
	}})
	return pool
}

func newFabric(t *testing.T, cfg *config.Config) *Fabric {
	t.Helper()
	f := New(cfg, testPool(t), nil)
	t.Cleanup(f.ckpt.Stop)
	return f
}

func TestSubmitMintsTokenAndPromotes(t *testing.T) {
	f := newFabric(t, testConfig(t))

	snip, token, err := f.SubmitSnippet(context.Background(), "", "python", "x = 1", "demo", "api", "alice", "", 0)
	require.NoError(t, err)
	assert.Equal(t, staging.PhasePromoted, snip.Phase)
	require.NotNil(t, token)
	assert.Equal(t, snip.StagingID, token.StagingID)
	assert.Equal(t, DefaultTokenTTL, token.TTL)

	res := f.ResolveToken(token.Value)
	require.NotNil(t, res)
	assert.Equal(t, snip.StagingID, res.StagingID)
	assert.False(t, res.Expired)
}

func TestSubmitFailedSnippetStillGetsToken(t *testing.T) {
	cfg := testConfig(t)
	pool := executor.NewPool(t.TempDir())
	l, _ := lang.ByName("python")
	pool.Register("python", &scriptedFactory{exec: &scriptedExecutor{
		language: l,
		result:   executor.Result{Success: false, Error: "boom"},
	}})
	f := New(cfg, pool, nil)
	t.Cleanup(f.ckpt.Stop)

	snip, token, err := f.SubmitSnippet(context.Background(), "", "python", "broken()", "", "", "", "", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, staging.PhaseRejected, snip.Phase)
	require.NotNil(t, token)

	// the token resolves so the submitter can see the rejection
	res := f.ResolveToken(token.Value)
	require.NotNil(t, res)
	assert.Equal(t, snip.StagingID, res.StagingID)
}

func TestLockBlocksEviction(t *testing.T) {
	f := newFabric(t, testConfig(t))

	snip, _, err := f.SubmitSnippet(context.Background(), "", "python", "x = 1", "", "", "", "", 0)
	require.NoError(t, err)
	addr := snip.Reservation.Address

	require.NoError(t, f.LockSlot(addr, "operator", "golden snippet"))
	assert.True(t, f.IsLocked(addr))

	// double lock is a conflict
	assert.ErrorIs(t, f.LockSlot(addr, "someone", ""), ErrConflict)

	// eviction refused while locked
	assert.ErrorIs(t, f.EvictSlot(addr), ErrSlotLocked)

	require.NoError(t, f.UnlockSlot(addr))
	assert.ErrorIs(t, f.UnlockSlot(addr), ErrNotFound)

	require.NoError(t, f.EvictSlot(addr))
	assert.False(t, f.Registry.GetSlotByAddressString(addr).Bound())
	assert.ErrorIs(t, f.EvictSlot(addr), ErrNotFound)
}

func TestLockRequiresBoundSlot(t *testing.T) {
	f := newFabric(t, testConfig(t))
	assert.ErrorIs(t, f.LockSlot("a1", "op", ""), ErrNotFound)
	assert.ErrorIs(t, f.LockSlot("zz", "op", ""), ErrNotFound)
}

func TestExecuteSlotRequiresPost(t *testing.T) {
	f := newFabric(t, testConfig(t))

	snip, _, err := f.SubmitSnippet(context.Background(), "", "python", "x = 1", "", "", "", "", 0)
	require.NoError(t, err)

	// promoted slots come up with GET and PUSH only
	_, err = f.ExecuteSlot(context.Background(), snip.RegistrySlotID)
	assert.ErrorIs(t, err, ErrPermissionDenied)

	f.Registry.SetSlotPermissions(snip.RegistrySlotID, registry.Permissions{Get: true, Push: true, Post: true})
	res, err := f.ExecuteSlot(context.Background(), snip.RegistrySlotID)
	require.NoError(t, err)
	assert.True(t, res.Success)

	// execution recorded on both ledger and slot
	assert.Len(t, f.Ledger.NodeExecutions(snip.LedgerNodeID), 2) // speculative + this one
	assert.Equal(t, 2, f.Registry.GetSlot(snip.RegistrySlotID).ExecCount)
}

func TestRunAllRecordsBatch(t *testing.T) {
	f := newFabric(t, testConfig(t))

	for _, code := range []string{"a = 1", "b = 2"} {
		_, _, err := f.SubmitSnippet(context.Background(), "", "python", code, "", "", "", "", 0)
		require.NoError(t, err)
	}

	out := f.RunAll(context.Background())
	assert.Equal(t, 2, out.Total)
	assert.Equal(t, 2, out.Succeeded)
	assert.Equal(t, 0, out.Failed)
	assert.Equal(t, 0, out.Skipped)

	entries := f.Ledger.Entries()
	last := entries[len(entries)-1]
	assert.Equal(t, "batch", string(last.Kind))
	assert.Equal(t, 2, last.Payload["node_count"])
}

func TestCheckpointRestoreRoundTrip(t *testing.T) {
	cfg := testConfig(t)
	f := newFabric(t, cfg)

	snip, token, err := f.SubmitSnippet(context.Background(), "", "python", "x = 1", "golden", "api", "alice", "agent-1", time.Hour)
	require.NoError(t, err)
	require.NoError(t, f.LockSlot(snip.Reservation.Address, "operator", "keep"))
	require.NoError(t, f.CheckpointNow())

	// fresh process, same config
	f2 := newFabric(t, cfg)
	restored, err := f2.Restore(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, restored)

	promoted := f2.Pipeline.GetPromoted()
	require.Len(t, promoted, 1)
	got := promoted[0]
	// the staging id changes on restore; the code and label survive
	assert.NotEqual(t, snip.StagingID, got.StagingID)
	assert.Equal(t, "x = 1", got.Code)
	assert.Equal(t, "golden", got.Label)
	assert.Equal(t, snip.Reservation.Address, got.Reservation.Address)

	// the persisted token value resolves to the NEW staging id
	res := f2.ResolveToken(token.Value)
	require.NotNil(t, res)
	assert.Equal(t, got.StagingID, res.StagingID)
	assert.Equal(t, "alice", res.Submitter)

	// the lock followed the snippet to its restored address
	assert.True(t, f2.IsLocked(got.Reservation.Address))
	rec := f2.Locks()[got.Reservation.Address]
	assert.Equal(t, "operator", rec.LockedBy)
}

func TestRestoreWithoutCheckpointIsNoop(t *testing.T) {
	f := newFabric(t, testConfig(t))
	restored, err := f.Restore(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, restored)
}

func TestRestoreKeepsStandaloneTokens(t *testing.T) {
	cfg := testConfig(t)
	f := newFabric(t, cfg)

	// a token whose snippet was never promoted (rejected submission)
	tok := f.Tokens.Mint("stg-orphan000000", time.Hour, "api", "bob", "")
	require.NoError(t, f.CheckpointNow())

	f2 := newFabric(t, cfg)
	_, err := f2.Restore(context.Background())
	require.NoError(t, err)

	res := f2.ResolveToken(tok.Value)
	require.NotNil(t, res)
	assert.Equal(t, "stg-orphan000000", res.StagingID)
}

func TestPipelineEventsReachBus(t *testing.T) {
	f := newFabric(t, testConfig(t))
	feed := f.Bus.Subscribe()
	defer f.Bus.Unsubscribe(feed)

	_, _, err := f.SubmitSnippet(context.Background(), "", "python", "x = 1", "", "", "", "", 0)
	require.NoError(t, err)

	var types []string
	for {
		select {
		case evt := <-feed:
			types = append(types, evt.Type)
			if evt.Type == "staging."+string(staging.EventPromotionDone) {
				assert.Contains(t, types, "staging."+string(staging.EventQueued))
				return
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("promotion event never arrived; saw %v", types)
		}
	}
}

func TestInspectCheckpointReadsDisk(t *testing.T) {
	cfg := testConfig(t)
	f := newFabric(t, cfg)

	doc, err := f.InspectCheckpoint()
	require.NoError(t, err)
	assert.Nil(t, doc)

	_, _, err = f.SubmitSnippet(context.Background(), "", "python", "x = 1", "", "", "", "", 0)
	require.NoError(t, err)
	require.NoError(t, f.CheckpointNow())

	doc, err = f.InspectCheckpoint()
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Len(t, doc.PromotedSnippets, 1)
	assert.Equal(t, "a1", doc.PromotedSnippets[0].Address)
}
