package signal

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/uxoa/hartza/pkg/exchange"
)

// DefaultLeverage is substituted when a format doesn't capture leverage.
const DefaultLeverage = 10

// Side is the directional intent of a signal.
type Side string

const (
	Long  Side = "LONG"
	Short Side = "SHORT"
)

// OrderSide maps direction to the exchange order side. The mapping is a
// fixed contract: longs buy, shorts sell.
func (s Side) OrderSide() exchange.Side {
	if s == Short {
		return exchange.Sell
	}
	return exchange.Buy
}

// Signal is the structured trade intent extracted from one message. It is
// transient and never persisted.
type Signal struct {
	Side     Side
	Symbol   string
	Price    decimal.Decimal
	Leverage int
}

// Format is a named extraction rule. Signal vendors evolve independently,
// so the rules are user-supplied data rather than code: an ordered list of
// compiled patterns with the named groups side, symbol, price and an
// optional leverage.
type Format struct {
	Name    string
	Example string
	re      *regexp.Regexp
}

// NewFormat compiles the pattern and validates it eagerly: it must declare
// the required groups and match its own stored example, so a broken rule
// fails at registration time instead of at signal time.
func NewFormat(name, pattern, example string) (*Format, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("signal: couldn't compile format %s: %w", name, err)
	}
	groups := map[string]bool{}
	for _, g := range re.SubexpNames() {
		groups[g] = true
	}
	for _, required := range []string{"side", "symbol", "price"} {
		if !groups[required] {
			return nil, fmt.Errorf("signal: format %s is missing the %s group", name, required)
		}
	}
	f := &Format{Name: name, Example: example, re: re}
	if example != "" {
		if _, err := f.extract(example); err != nil {
			return nil, fmt.Errorf("signal: format %s doesn't match its own example: %w", name, err)
		}
	}
	return f, nil
}

// NoMatchError keeps the original text so the caller can audit signals
// that no format recognized.
type NoMatchError struct {
	Text string
}

func (e *NoMatchError) Error() string {
	return fmt.Sprintf("signal: no format matched: %s", e.Text)
}

// Parse tries the formats strictly in the given order. The first format
// whose groups all resolve wins; there is no scoring.
func Parse(text string, formats []*Format) (*Signal, error) {
	for _, f := range formats {
		sig, err := f.extract(text)
		if err != nil {
			continue
		}
		return sig, nil
	}
	return nil, &NoMatchError{Text: text}
}

func (f *Format) extract(text string) (*Signal, error) {
	match := f.re.FindStringSubmatch(text)
	if match == nil {
		return nil, fmt.Errorf("signal: format %s didn't match", f.Name)
	}
	values := map[string]string{}
	for i, name := range f.re.SubexpNames() {
		if name == "" || i >= len(match) {
			continue
		}
		values[name] = match[i]
	}

	var side Side
	upper := strings.ToUpper(values["side"])
	switch {
	case strings.Contains(upper, "SHORT"):
		side = Short
	case strings.Contains(upper, "LONG"):
		side = Long
	default:
		return nil, fmt.Errorf("signal: unknown side %q", values["side"])
	}

	symbol := strings.ToUpper(values["symbol"])
	if symbol == "" {
		return nil, fmt.Errorf("signal: format %s captured an empty symbol", f.Name)
	}

	price, err := decimal.NewFromString(values["price"])
	if err != nil {
		return nil, fmt.Errorf("signal: couldn't parse price %s: %w", values["price"], err)
	}
	if price.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("signal: price must be positive: %s", price)
	}

	leverage := DefaultLeverage
	if v := values["leverage"]; v != "" {
		leverage, err = strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("signal: couldn't parse leverage %s: %w", v, err)
		}
	}

	return &Signal{
		Side:     side,
		Symbol:   symbol,
		Price:    price,
		Leverage: leverage,
	}, nil
}

// DefaultFormats returns the extraction rules for the two signal vendors
// supported out of the box.
func DefaultFormats() ([]*Format, error) {
	leverage, err := NewFormat("enter-leverage",
		`(?:BYBIT:)?(?P<side>ENTER-(?:LONG|SHORT))🔴-Leverage-(?P<leverage>\d+)X👈,(?P<symbol>[\w\d]+),💲current price = (?P<price>[\d.]+)`,
		"BYBIT:ENTER-SHORT🔴-Leverage-10X👈,MNTUSDT,💲current price = 0.9478")
	if err != nil {
		return nil, err
	}
	tp3, err := NewFormat("tp3",
		`(?:BINANCE:)?(?P<side>LONG|SHORT)🟢-TP3,(?P<symbol>[\w\d]+),💲current price = (?P<price>[\d.]+)`,
		"BINANCE:LONG🟢-TP3,WIFUSDT,💲current price = 0.609")
	if err != nil {
		return nil, err
	}
	return []*Format{leverage, tp3}, nil
}
