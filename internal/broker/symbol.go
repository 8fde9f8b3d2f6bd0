package broker

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/eddiefleurent/mifflin_scalper/internal/models"
)

// FormatOptionSymbol builds a Schwab option symbol: a 6-character padded
// underlying, YYMMDD expiration, C or P, and the strike ×1000 as 8 digits.
// Example: "SPY   260824C00694000".
func FormatOptionSymbol(underlying string, expiration time.Time, direction models.Direction, strike float64) string {
	cp := "C"
	if direction == models.DirectionPut {
		cp = "P"
	}
	return fmt.Sprintf("%-6s%s%s%08d",
		strings.ToUpper(underlying),
		expiration.Format("060102"),
		cp,
		int64(strike*1000+0.5))
}

// ParsedOption holds the components of an option symbol.
type ParsedOption struct {
	Underlying string
	Expiration time.Time
	Direction  models.Direction
	Strike     float64
}

// ParseOptionSymbol decodes a Schwab/OPRA option symbol.
func ParseOptionSymbol(symbol string) (*ParsedOption, error) {
	if len(symbol) != 21 {
		return nil, fmt.Errorf("option symbol %q: expected 21 characters, got %d", symbol, len(symbol))
	}

	underlying := strings.TrimRight(symbol[:6], " ")
	if underlying == "" {
		return nil, fmt.Errorf("option symbol %q: empty underlying", symbol)
	}

	expiration, err := time.Parse("060102", symbol[6:12])
	if err != nil {
		return nil, fmt.Errorf("option symbol %q: bad expiration: %w", symbol, err)
	}

	var direction models.Direction
	switch symbol[12] {
	case 'C':
		direction = models.DirectionCall
	case 'P':
		direction = models.DirectionPut
	default:
		return nil, fmt.Errorf("option symbol %q: bad type %q", symbol, symbol[12])
	}

	strikeRaw, err := strconv.ParseInt(symbol[13:], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("option symbol %q: bad strike: %w", symbol, err)
	}

	return &ParsedOption{
		Underlying: underlying,
		Expiration: expiration,
		Direction:  direction,
		Strike:     float64(strikeRaw) / 1000,
	}, nil
}
