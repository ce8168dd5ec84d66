package catalog

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemoryCatalogLookup(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCatalog(
		Product{ID: 1, SKU: "CHG-USB", Barcode: "8991234567890", Name: "Charger", IsActive: true},
		Product{ID: 2, SKU: "PHN-A1", Name: "Phone", IsSerialized: true, IsActive: true},
		Product{ID: 3, SKU: "OLD", Name: "Retired", IsActive: false},
	)

	p, err := c.Lookup(ctx, "  chg-usb ")
	require.NoError(t, err)
	require.Equal(t, int64(1), p.ID)

	p, err = c.Lookup(ctx, "8991234567890")
	require.NoError(t, err)
	require.Equal(t, int64(1), p.ID)

	_, err = c.Lookup(ctx, "OLD")
	require.ErrorIs(t, err, ErrProductNotFound)

	_, err = c.Lookup(ctx, "")
	require.ErrorIs(t, err, ErrProductNotFound)

	p, err = c.Get(ctx, 2)
	require.NoError(t, err)
	require.True(t, p.IsSerialized)

	_, err = c.Get(ctx, 3)
	require.ErrorIs(t, err, ErrProductNotFound)
}
