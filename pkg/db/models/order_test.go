package models

import (
	"math"
	"testing"

	"github.com/angelmondragon/peermarket-backend/pkg/enums"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLineItemsDigitalClassification(t *testing.T) {
	digital := LineItem{Quantity: 1, UnitPriceCents: 500, IsDigital: true}
	physical := LineItem{Quantity: 2, UnitPriceCents: 250}

	assert.True(t, LineItems{digital}.AllDigital())
	assert.False(t, LineItems{digital, physical}.AllDigital())
	assert.True(t, LineItems{physical}.AllPhysical())
	assert.False(t, LineItems{digital, physical}.AllPhysical())
	assert.True(t, LineItems{digital, physical}.AnyDigital())
	assert.False(t, LineItems{}.AllDigital())
	assert.False(t, LineItems{}.AllPhysical())
}

func TestLineItemsTotalAndStatus(t *testing.T) {
	items := LineItems{
		{Quantity: 1, UnitPriceCents: 1999, IsDigital: true, Status: enums.LineItemStatusRequested},
		{Quantity: 3, UnitPriceCents: 100, Status: enums.LineItemStatusRequested},
	}
	total, err := items.TotalCents()
	require.NoError(t, err)
	assert.Equal(t, int64(2299), total)

	refunded := items.WithStatus(enums.LineItemStatusRefunded)
	for _, item := range refunded {
		assert.Equal(t, enums.LineItemStatusRefunded, item.Status)
	}
	assert.Equal(t, enums.LineItemStatusRequested, items[0].Status)
}

func TestLineItemsTotalOverflow(t *testing.T) {
	_, err := LineItem{Quantity: (1 << 62) + 1, UnitPriceCents: 4}.SubtotalCents()
	assert.ErrorIs(t, err, ErrAmountOverflow)

	items := LineItems{
		{Quantity: 1, UnitPriceCents: math.MaxInt64 - 10},
		{Quantity: 1, UnitPriceCents: 11},
	}
	_, err = items.TotalCents()
	assert.ErrorIs(t, err, ErrAmountOverflow)

	_, err = LineItem{Quantity: -1, UnitPriceCents: 4}.SubtotalCents()
	assert.Error(t, err)
}
