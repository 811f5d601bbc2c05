package ledger

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPriceTable(t *testing.T) {
	tests := []struct {
		duration float64
		sound    bool
		want     int
	}{
		{5, false, 55},
		{5, true, 75},
		{10, false, 110},
		{10, true, 150},
		{7.5, false, 110},
		{7.5, true, 150},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Price(tt.duration, tt.sound), "price(%v, %v)", tt.duration, tt.sound)
	}
}

func TestPriceTierBoundary(t *testing.T) {
	// Всё, что меньше порога — короткий тариф; порог и выше — длинный.
	assert.Equal(t, 55, Price(5.9, false))
	assert.Equal(t, 110, Price(6.0, false))
	assert.Equal(t, 75, Price(0, true))
}

func TestBoostPriceTable(t *testing.T) {
	assert.Equal(t, 110, BoostPrice(5, false))
	assert.Equal(t, 150, BoostPrice(5, true))
	assert.Equal(t, 220, BoostPrice(10, false))
	assert.Equal(t, 300, BoostPrice(10, true))
}
