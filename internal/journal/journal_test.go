package journal

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTest(t *testing.T) (*Journal, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "journal.db")
	j, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j, path
}

func TestJournal_Lifecycle(t *testing.T) {
	ctx := context.Background()
	j, _ := openTest(t)

	s, err := j.Get(ctx, "o-1")
	require.NoError(t, err)
	assert.Nil(t, s)

	base := Settlement{OrderID: "o-1", InputToken: "mUSDC", OutputToken: "mWETH", InputAmount: "100000000", UserAddress: "0xaa"}
	require.NoError(t, j.Begin(ctx, base))
	require.NoError(t, j.RecordSubmitted(ctx, "o-1", StepPull, "0x01"))

	s, err = j.Get(ctx, "o-1")
	require.NoError(t, err)
	assert.Equal(t, SettlementInProgress, s.Status)
	_, ok := s.Confirmed(StepPull)
	assert.False(t, ok)
	assert.Equal(t, StepSubmitted, s.Steps[StepPull].Status)

	require.NoError(t, j.RecordConfirmed(ctx, "o-1", StepPull, "0x01", ""))
	require.NoError(t, j.RecordConfirmed(ctx, "o-1", StepSwap, "0x02", "123"))

	// 再次 Begin 不会覆盖进度
	base.InputAmount = "1"
	require.NoError(t, j.Begin(ctx, base))

	s, err = j.Get(ctx, "o-1")
	require.NoError(t, err)
	assert.Equal(t, "100000000", s.InputAmount)
	rec, ok := s.Confirmed(StepSwap)
	require.True(t, ok)
	assert.Equal(t, "123", rec.Output)

	require.NoError(t, j.Complete(ctx, "o-1", json.RawMessage(`{"swapTxHash":"0x02"}`)))
	s, err = j.Get(ctx, "o-1")
	require.NoError(t, err)
	assert.Equal(t, SettlementCompleted, s.Status)
	assert.JSONEq(t, `{"swapTxHash":"0x02"}`, string(s.Result))
}

func TestJournal_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	j, path := openTest(t)
	require.NoError(t, j.Begin(ctx, Settlement{OrderID: "o-1", InputToken: "a", OutputToken: "b", InputAmount: "1", UserAddress: "u"}))
	require.NoError(t, j.RecordConfirmed(ctx, "o-1", StepPull, "0x01", ""))
	require.NoError(t, j.SetState(ctx, "poller.last_block", "100"))
	require.NoError(t, j.Close())

	j2, err := Open(path)
	require.NoError(t, err)
	defer j2.Close()

	s, err := j2.Get(ctx, "o-1")
	require.NoError(t, err)
	_, ok := s.Confirmed(StepPull)
	assert.True(t, ok)

	v, ok, err := j2.GetState(ctx, "poller.last_block")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "100", v)
}
