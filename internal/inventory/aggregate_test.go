package inventory

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestApplyDelta(t *testing.T) {
	base := Aggregate{WarehouseID: 1, ProductID: 2, Quantity: 5, AvailableQty: 3, DamagedQty: 2}

	next, err := ApplyDelta(base, -3, -3, 0)
	require.NoError(t, err)
	require.Equal(t, int64(2), next.Quantity)
	require.Zero(t, next.AvailableQty)

	_, err = ApplyDelta(base, -4, -4, 0)
	require.ErrorIs(t, err, ErrNegativeStock)

	_, err = ApplyDelta(base, 0, 0, -3)
	require.ErrorIs(t, err, ErrNegativeStock)

	_, err = ApplyDelta(base, 1, 0, 0)
	require.ErrorIs(t, err, ErrInvalidMovement)

	moved, err := ApplyDelta(base, 0, -1, 1)
	require.NoError(t, err)
	require.Equal(t, int64(5), moved.Quantity)
	require.Equal(t, int64(3), moved.DamagedQty)
}

func TestBucketDelta(t *testing.T) {
	require.Equal(t, Delta{Quantity: 4, Available: 4}, bucketDelta(DirectionIn, ConditionGood, 4))
	require.Equal(t, Delta{Quantity: -4, Damaged: -4}, bucketDelta(DirectionOut, ConditionExpired, 4))
	require.Equal(t, Delta{Quantity: 2, Damaged: 2}, bucketDelta(DirectionIn, ConditionDamaged, 2))
}

func TestReconstruct(t *testing.T) {
	entries := []LedgerEntry{
		{Direction: DirectionIn, ItemCondition: ConditionGood, Quantity: 10},
		{Direction: DirectionOut, ItemCondition: ConditionGood, Quantity: 3},
		{Direction: DirectionIn, ItemCondition: ConditionDamaged, Quantity: 3},
		{Direction: DirectionOut, ItemCondition: ConditionDamaged, Quantity: 1},
	}
	rec := Reconstruct(entries)
	require.Equal(t, Reconstruction{Quantity: 9, AvailableQty: 7, DamagedQty: 2, Entries: 4}, rec)
	require.True(t, rec.Matches(Aggregate{Quantity: 9, AvailableQty: 7, DamagedQty: 2}))
	require.False(t, rec.Matches(Aggregate{Quantity: 9, AvailableQty: 9}))

	var signed int64
	for _, e := range entries {
		signed += e.SignedQuantity()
	}
	require.Equal(t, rec.Quantity, signed)
}

func TestSumAggregates(t *testing.T) {
	totals := SumAggregates(1, []Aggregate{
		{WarehouseID: 1, ProductID: 1, Quantity: 4, AvailableQty: 4},
		{WarehouseID: 1, ProductID: 2, Quantity: 3, AvailableQty: 1, DamagedQty: 2},
		{WarehouseID: 2, ProductID: 1, Quantity: 100, AvailableQty: 100},
	})
	require.Equal(t, Totals{WarehouseID: 1, Products: 2, Quantity: 7, AvailableQty: 5, DamagedQty: 2}, totals)
}

func TestParseMovement(t *testing.T) {
	mt, st, err := ParseMovement("OUT", "")
	require.NoError(t, err)
	require.Equal(t, MovementOut, mt)
	require.Equal(t, SubtypeStandard, st)

	_, _, err = ParseMovement("TRANSFER", "LOSS")
	require.ErrorIs(t, err, ErrInvalidMovement)
	_, _, err = ParseMovement("in", "STANDARD")
	require.ErrorIs(t, err, ErrInvalidMovement)
}
