package escrow

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBalanceCopyAnswersFree(t *testing.T) {
	m := NewManager("node-a", nil, NewMetrics(prometheus.NewRegistry()))
	m.Credit("node-a", 100)
	require.NoError(t, m.Reserve("node-a", "c-1", 25))

	// Free is answered directly on the returned copy.
	assert.Equal(t, 75.0, m.Balance("node-a").Free())
}

func TestMetricsRegisterPerRegistry(t *testing.T) {
	assert.NotPanics(t, func() {
		NewMetrics(prometheus.NewRegistry())
		NewMetrics(prometheus.NewRegistry())
	})
}

func TestReserveThenReleaseRestoresBalance(t *testing.T) {
	m := NewManager("node-a", nil, nil)
	m.Credit("node-a", 100)

	require.NoError(t, m.Reserve("node-a", "c-1", 10))
	acct := m.Balance("node-a")
	assert.Equal(t, 100.0, acct.TotalBalance)
	assert.Equal(t, 10.0, acct.ReservedBalance)
	assert.Equal(t, 90.0, acct.Free())
	assert.True(t, m.HasReservation("c-1"))

	released, err := m.Release("c-1")
	require.NoError(t, err)
	assert.Equal(t, 10.0, released)

	acct = m.Balance("node-a")
	assert.Equal(t, 100.0, acct.TotalBalance)
	assert.Equal(t, 0.0, acct.ReservedBalance)
	assert.False(t, m.HasReservation("c-1"))
}

func TestReserveRejectsOverdraft(t *testing.T) {
	m := NewManager("node-a", nil, nil)
	m.Credit("node-a", 5)

	require.NoError(t, m.Reserve("node-a", "c-1", 4))
	err := m.Reserve("node-a", "c-2", 2)
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	// The failed reserve left nothing behind.
	assert.False(t, m.HasReservation("c-2"))
	assert.Equal(t, 1.0, m.Balance("node-a").Free())
}

func TestReserveRejectsDuplicateContract(t *testing.T) {
	m := NewManager("node-a", nil, nil)
	m.Credit("node-a", 100)

	require.NoError(t, m.Reserve("node-a", "c-1", 10))
	assert.Error(t, m.Reserve("node-a", "c-1", 10))
}

func TestSlashDestroysFraction(t *testing.T) {
	m := NewManager("node-a", nil, nil)
	m.Credit("node-a", 100)
	require.NoError(t, m.Reserve("node-a", "c-1", 10))

	slashed, err := m.Slash("c-1", 0.5, "Duration 9000ms exceeded SLO 5000ms")
	require.NoError(t, err)
	assert.Equal(t, 5.0, slashed)

	acct := m.Balance("node-a")
	assert.Equal(t, 95.0, acct.TotalBalance)
	assert.Equal(t, 0.0, acct.ReservedBalance)
	assert.False(t, m.HasReservation("c-1"))
}

func TestSettlementIsExactlyOnce(t *testing.T) {
	m := NewManager("node-a", nil, nil)
	m.Credit("node-a", 100)
	require.NoError(t, m.Reserve("node-a", "c-1", 10))

	_, err := m.Release("c-1")
	require.NoError(t, err)

	_, err = m.Release("c-1")
	assert.ErrorIs(t, err, ErrUnknownReservation)
	_, err = m.Slash("c-1", 0.5, "late")
	assert.ErrorIs(t, err, ErrUnknownReservation)
}

func TestReleaseOrphans(t *testing.T) {
	m := NewManager("node-a", nil, nil)
	m.Credit("node-a", 100)
	require.NoError(t, m.Reserve("node-a", "c-live", 10))
	require.NoError(t, m.Reserve("node-a", "c-dead", 10))

	freed := m.ReleaseOrphans(map[string]bool{"c-live": true})
	assert.Equal(t, []string{"c-dead"}, freed)
	assert.True(t, m.HasReservation("c-live"))
	assert.False(t, m.HasReservation("c-dead"))
	assert.Equal(t, 90.0, m.Balance("node-a").Free())
}
