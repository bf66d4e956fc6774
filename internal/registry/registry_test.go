package registry

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spokedpy/backend/internal/lang"
	"github.com/spokedpy/backend/internal/ledger"
)

func newFixture(t *testing.T) (*ledger.Ledger, *Registry) {
	t.Helper()
	led := ledger.New()
	return led, New(led, 0)
}

func importNode(t *testing.T, led *ledger.Ledger, nodeID, language, source string) {
	t.Helper()
	session := led.BeginImport("demo."+language, language, source, "")
	err := led.RecordNodeImported(nodeID, "function", nodeID, nodeID, source, language, "demo."+language, session, nil)
	require.NoError(t, err)
}

func TestMatrixPreallocation(t *testing.T) {
	_, reg := newFixture(t)

	sum := reg.Summary()
	assert.Equal(t, lang.TotalCapacity(), sum.TotalCapacity)
	assert.Equal(t, 0, sum.TotalCommitted)
	assert.Len(t, sum.Engines, len(lang.Languages))

	// Slot ids run row-major from nra01; python owns the first row.
	first := reg.GetSlotByAddress('a', 1)
	require.NotNil(t, first)
	assert.Equal(t, "nra01", first.ID)
	assert.Equal(t, "a1", first.Address())

	lastPython := reg.GetSlotByAddress('a', lang.PrimaryCapacity)
	require.NotNil(t, lastPython)
	assert.Equal(t, fmt.Sprintf("nra%02d", lang.PrimaryCapacity), lastPython.ID)

	firstJS := reg.GetSlotByAddress('b', 1)
	require.NotNil(t, firstJS)
	assert.Equal(t, fmt.Sprintf("nra%02d", lang.PrimaryCapacity+1), firstJS.ID)
	assert.Equal(t, "javascript", firstJS.Engine)
}

func TestCommitNodeFirstEmptyPosition(t *testing.T) {
	led, reg := newFixture(t)
	importNode(t, led, "n-1", "python", "x = 1")
	importNode(t, led, "n-2", "python", "y = 2")

	s1, err := reg.CommitNode("n-1", "", 0, nil)
	require.NoError(t, err)
	assert.Equal(t, "a1", s1.Address())
	assert.Equal(t, 1, s1.CommittedVersion)

	s2, err := reg.CommitNode("n-2", "python", 0, nil)
	require.NoError(t, err)
	assert.Equal(t, "a2", s2.Address())
}

func TestCommitNodeExplicitPosition(t *testing.T) {
	led, reg := newFixture(t)
	importNode(t, led, "n-1", "python", "x = 1")

	s, err := reg.CommitNode("n-1", "python", 7, nil)
	require.NoError(t, err)
	assert.Equal(t, "a7", s.Address())

	// Occupied position refused.
	importNode(t, led, "n-2", "python", "y = 2")
	_, err = reg.CommitNode("n-2", "python", 7, nil)
	assert.ErrorIs(t, err, ErrSlotOccupied)
}

func TestCommitNodeRejections(t *testing.T) {
	led, reg := newFixture(t)

	_, err := reg.CommitNode("ghost", "", 0, nil)
	assert.ErrorIs(t, err, ErrNodeInactive)

	importNode(t, led, "n-1", "python", "x = 1")
	_, err = reg.CommitNode("n-1", "cobol", 0, nil)
	assert.ErrorIs(t, err, ErrEngineUnknown)

	_, err = reg.CommitNode("n-1", "", 0, nil)
	require.NoError(t, err)
	_, err = reg.CommitNode("n-1", "", 0, nil)
	assert.ErrorIs(t, err, ErrNodeBound)

	require.NoError(t, led.RecordNodeDeleted("n-1"))
	importNode(t, led, "n-2", "python", "y = 2")
	// deleting n-1 doesn't clear its slot, but a deleted node can't commit
	require.NoError(t, led.RecordNodeDeleted("n-2"))
	_, err = reg.CommitNode("n-2", "", 0, nil)
	assert.ErrorIs(t, err, ErrNodeInactive)
}

func TestEngineFull(t *testing.T) {
	led, reg := newFixture(t)
	for i := 1; i <= lang.SecondaryCapacity; i++ {
		id := fmt.Sprintf("lua-%02d", i)
		importNode(t, led, id, "lua", "print(1)")
		_, err := reg.CommitNode(id, "lua", 0, nil)
		require.NoError(t, err)
	}
	importNode(t, led, "lua-extra", "lua", "print(2)")
	_, err := reg.CommitNode("lua-extra", "lua", 0, nil)
	assert.ErrorIs(t, err, ErrEngineFull)
}

func TestHotSwapOnExecution(t *testing.T) {
	led, reg := newFixture(t)
	importNode(t, led, "n-1", "python", "v1")
	slot, err := reg.CommitNode("n-1", "", 0, nil)
	require.NoError(t, err)

	// Edit behind the slot's back: slot goes dirty, code untouched.
	require.NoError(t, led.RecordCodeEdit("n-1", "v2", ""))
	assert.Equal(t, 1, reg.RefreshAllFromLedger())
	dirty := reg.DirtySlots()
	require.Len(t, dirty, 1)
	assert.Equal(t, slot.ID, dirty[0].ID)
	assert.Equal(t, "v1", reg.GetSlot(slot.ID).Code)

	// Execution catches the slot up.
	require.True(t, reg.RecordExecution(slot.ID, true, "ok", "", time.Millisecond))
	assert.Equal(t, 0, reg.RefreshAllFromLedger())
	got := reg.GetSlot(slot.ID)
	assert.Equal(t, 2, got.CommittedVersion)
	assert.Equal(t, 2, got.ExecutedVersion)
	assert.Equal(t, "v2", got.Code)
	assert.Equal(t, 1, got.ExecCount)
}

func TestRollbackIsSlotLocal(t *testing.T) {
	led, reg := newFixture(t)
	importNode(t, led, "n-1", "python", "v1")
	slot, err := reg.CommitNode("n-1", "", 0, nil)
	require.NoError(t, err)

	require.NoError(t, led.RecordCodeEdit("n-1", "v2", ""))
	require.True(t, reg.RecordExecution(slot.ID, true, "", "", time.Millisecond))

	require.True(t, reg.RollbackSlot(slot.ID, 1))
	got := reg.GetSlot(slot.ID)
	assert.Equal(t, "v1", got.Code)
	assert.Equal(t, 1, got.CommittedVersion)

	// No ledger entry was appended, so the slot reads dirty again.
	snap, _ := led.NodeSnapshot("n-1")
	assert.Equal(t, 2, snap.Version)
	assert.Equal(t, 1, reg.RefreshAllFromLedger())

	assert.False(t, reg.RollbackSlot(slot.ID, 99))
}

func TestClearSlotRequiresDelAndKeepsID(t *testing.T) {
	led, reg := newFixture(t)
	importNode(t, led, "n-1", "python", "x")
	slot, err := reg.CommitNode("n-1", "", 0, nil)
	require.NoError(t, err)

	// default permissions have DEL off
	assert.False(t, reg.ClearSlot(slot.ID))

	reg.SetSlotPermissions(slot.ID, Permissions{Get: true, Push: true, Post: true, Del: true})
	assert.True(t, reg.ClearSlot(slot.ID))

	got := reg.GetSlot(slot.ID)
	assert.False(t, got.Bound())
	assert.Equal(t, slot.ID, got.ID)
	// permissions survive the clear
	assert.True(t, got.Perms.Del)

	// the freed cell is the first empty one again
	importNode(t, led, "n-2", "python", "y")
	s2, err := reg.CommitNode("n-2", "", 0, nil)
	require.NoError(t, err)
	assert.Equal(t, slot.ID, s2.ID)
}

func TestForceClearIgnoresDel(t *testing.T) {
	led, reg := newFixture(t)
	importNode(t, led, "n-1", "python", "x")
	slot, err := reg.CommitNode("n-1", "", 0, nil)
	require.NoError(t, err)

	assert.True(t, reg.ForceClearSlot(slot.ID))
	assert.False(t, reg.GetSlot(slot.ID).Bound())
	assert.False(t, reg.ForceClearSlot(slot.ID))
}

func TestInputBufferPermissionAndOverflow(t *testing.T) {
	led := ledger.New()
	reg := New(led, 4)
	importNode(t, led, "n-1", "python", "x")
	slot, err := reg.CommitNode("n-1", "", 0, nil)
	require.NoError(t, err)

	for i := 0; i < 6; i++ {
		require.True(t, reg.PushToSlot(slot.ID, i, "test"))
	}
	records := reg.DrainInputBuffer(slot.ID)
	require.Len(t, records, 4)
	// drop-oldest: 0 and 1 are gone
	assert.Equal(t, 2, records[0].Data)
	assert.Equal(t, 5, records[3].Data)

	// drained
	assert.Nil(t, reg.DrainInputBuffer(slot.ID))

	// PUSH off refuses writes
	reg.SetSlotPermissions(slot.ID, Permissions{Get: true})
	assert.False(t, reg.PushToSlot(slot.ID, "nope", "test"))
}

func TestReadOutputRequiresGet(t *testing.T) {
	led, reg := newFixture(t)
	importNode(t, led, "n-1", "python", "x")
	slot, err := reg.CommitNode("n-1", "", 0, nil)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		reg.RecordExecution(slot.ID, true, fmt.Sprintf("out-%d", i), "", time.Millisecond)
	}
	records, ok := reg.ReadSlotOutput(slot.ID, 2)
	require.True(t, ok)
	require.Len(t, records, 2)
	assert.Equal(t, "out-1", records[0].Output)
	assert.Equal(t, "out-2", records[1].Output)

	reg.SetSlotPermissions(slot.ID, Permissions{Push: true})
	_, ok = reg.ReadSlotOutput(slot.ID, 0)
	assert.False(t, ok)
}

func TestEnginePermissionTemplate(t *testing.T) {
	led, reg := newFixture(t)
	importNode(t, led, "n-1", "ruby", "puts 1")
	slot, err := reg.CommitNode("n-1", "", 0, nil)
	require.NoError(t, err)

	require.True(t, reg.SetEnginePermissions("ruby", Permissions{Get: true}))
	got := reg.GetSlot(slot.ID)
	assert.Equal(t, "GET,-,-,-", got.Perms.String())

	assert.False(t, reg.SetEnginePermissions("cobol", Permissions{}))
}

func TestSubscribeAndTick(t *testing.T) {
	led, reg := newFixture(t)
	importNode(t, led, "pub", "python", "x")
	importNode(t, led, "sub", "python", "y")
	pub, err := reg.CommitNode("pub", "", 0, nil)
	require.NoError(t, err)
	sub, err := reg.CommitNode("sub", "", 0, nil)
	require.NoError(t, err)

	require.True(t, reg.Subscribe(sub.ID, pub.ID))
	// self-subscription refused
	assert.False(t, reg.Subscribe(pub.ID, pub.ID))

	// nothing published yet
	assert.Equal(t, 0, reg.Tick())

	reg.RecordExecution(pub.ID, true, "hello", "", time.Millisecond)
	assert.Equal(t, 1, reg.Tick())

	records := reg.DrainInputBuffer(sub.ID)
	require.Len(t, records, 1)
	assert.Equal(t, "hello", records[0].Data)
	assert.Equal(t, pub.ID, records[0].Source)

	// already delivered; a second tick moves nothing
	assert.Equal(t, 0, reg.Tick())
}

func TestAddressParsing(t *testing.T) {
	letter, pos, ok := ParseAddress("a12")
	require.True(t, ok)
	assert.Equal(t, byte('a'), letter)
	assert.Equal(t, 12, pos)

	for _, bad := range []string{"", "a", "a0", "axy", "9"} {
		_, _, ok := ParseAddress(bad)
		assert.False(t, ok, bad)
	}

	_, reg := newFixture(t)
	assert.Nil(t, reg.GetSlotByAddressString("a999"))
	assert.Nil(t, reg.GetSlotByAddressString("z1"))
}
