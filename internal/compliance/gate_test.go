package compliance

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/elefanteai/elefante/pkg/elefante"
)

func TestCheckWriteClosedWithoutPriorSearch(t *testing.T) {
	g := New()
	err := g.CheckWrite("session-1")
	require.Error(t, err)

	var elefErr *elefante.Error
	require.ErrorAs(t, err, &elefErr)
	require.Equal(t, elefante.ErrComplianceGateClosed.Code, elefErr.Code)
}

func TestSearchThenWriteConsumesToken(t *testing.T) {
	g := New()
	g.RecordSearch("session-1", 3)

	require.NoError(t, g.CheckWrite("session-1"))
	require.Error(t, g.CheckWrite("session-1"), "token is consumed by the first write")
}

func TestEachWriteRequiresItsOwnSearch(t *testing.T) {
	g := New()
	g.RecordSearch("session-1", 1)
	require.NoError(t, g.CheckWrite("session-1"))

	g.RecordSearch("session-1", 2)
	require.NoError(t, g.CheckWrite("session-1"))
}

func TestAssertComplianceReturnsStamp(t *testing.T) {
	g := New()
	g.RecordSearch("session-1", 5)

	stamp, err := g.AssertCompliance("session-1")
	require.NoError(t, err)
	require.Equal(t, 5, stamp.LastSearchCount)
	require.Equal(t, "session-1", stamp.SessionID)

	_, err = g.AssertCompliance("session-1")
	require.Error(t, err, "assert_compliance also consumes the token")
}

func TestSessionsAreIndependent(t *testing.T) {
	g := New()
	g.RecordSearch("session-1", 1)
	require.Error(t, g.CheckWrite("session-2"))
	require.NoError(t, g.CheckWrite("session-1"))
}
