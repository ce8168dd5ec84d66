package inventory

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSerialTransitions(t *testing.T) {
	all := []SerialState{SerialInStock, SerialDispatched, SerialReturned, SerialDamaged}
	allowed := map[[2]SerialState]bool{
		{SerialInStock, SerialDispatched}:  true,
		{SerialInStock, SerialDamaged}:     true,
		{SerialDispatched, SerialReturned}: true,
		{SerialDispatched, SerialInStock}:  true,
		{SerialDispatched, SerialDamaged}:  true,
		{SerialReturned, SerialInStock}:    true,
		{SerialReturned, SerialDamaged}:    true,
		{SerialDamaged, SerialInStock}:     true,
		{SerialDamaged, SerialDispatched}:  true,
	}
	for _, from := range all {
		for _, to := range all {
			require.Equal(t, allowed[[2]SerialState{from, to}], CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestTransitionChecksExpectedState(t *testing.T) {
	item := SerialItem{WarehouseID: 1, ProductID: 2, SerialNumber: "SN-1", State: SerialReturned}

	_, err := Transition(item, []SerialState{SerialInStock}, SerialDispatched)
	require.ErrorIs(t, err, ErrInvalidSerialTransition)

	_, err = Transition(item, []SerialState{SerialReturned}, SerialDispatched)
	require.ErrorIs(t, err, ErrInvalidSerialTransition)

	next, err := Transition(item, []SerialState{SerialReturned}, SerialInStock)
	require.NoError(t, err)
	require.Equal(t, SerialInStock, next.State)
	require.Equal(t, SerialReturned, item.State)
}

func TestSerialRegistryList(t *testing.T) {
	env := newTestEnv(t)
	env.apply(t, intake(whMain, serialProduct, 3, "C3", "A1", "B2"))
	env.apply(t, dispatch(whMain, serialProduct, 1, "B2"))

	items, err := env.engine.Serials().List(t.Context(), SerialFilter{WarehouseID: whMain, State: SerialInStock})
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.Equal(t, "A1", items[0].SerialNumber)
	require.Equal(t, "C3", items[1].SerialNumber)

	_, err = env.engine.Serials().Lookup(t.Context(), whBranch, "A1")
	require.ErrorIs(t, err, ErrSerialNotFound)
	_, err = env.engine.Serials().List(t.Context(), SerialFilter{})
	require.Error(t, err)
}
