package priority

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOrdering(t *testing.T) {
	require.Less(t, int(Critical), int(High))
	require.Less(t, int(High), int(Normal))
	require.Less(t, int(Normal), int(Low))
}

func TestValid(t *testing.T) {
	for _, l := range []Level{Critical, High, Normal, Low} {
		require.True(t, l.Valid())
	}
	require.False(t, Level(-1).Valid())
	require.False(t, Level(4).Valid())
}

func TestString(t *testing.T) {
	require.Equal(t, "critical", Critical.String())
	require.Equal(t, "high", High.String())
	require.Equal(t, "normal", Normal.String())
	require.Equal(t, "low", Low.String())
	require.Equal(t, "priority(7)", Level(7).String())
}

func TestDemoteSaturates(t *testing.T) {
	require.Equal(t, High, Critical.Demote())
	require.Equal(t, Normal, High.Demote())
	require.Equal(t, Low, Normal.Demote())
	require.Equal(t, Low, Low.Demote())
}
