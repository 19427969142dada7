// Package occ parses OCC-style option symbols.
//
// Two layouts are accepted:
//
//	padded:  "SPY   250117P00450000"  root left-justified to 6 chars
//	compact: "SPY250117P00450000"     root immediately followed by YYMMDD
//
// Both carry YYMMDD, a C/P type character and an 8-digit strike in
// thousandths of a dollar.
package occ

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	rootWidth    = 6
	paddedLength = 21
	strikeDigits = 8
	dateLayout   = "2006-01-02"
)

// ErrNotOption is returned for symbols that are not OCC option symbols.
var ErrNotOption = errors.New("not an OCC option symbol")

// Contract is a parsed option symbol.
type Contract struct {
	Root       string
	Expiration time.Time
	Type       string // "C" or "P"
	Strike     decimal.Decimal
}

// ExpirationDate formats the expiration as YYYY-MM-DD.
func (c Contract) ExpirationDate() string {
	return c.Expiration.Format(dateLayout)
}

// Parse parses a padded or compact OCC symbol.
func Parse(symbol string) (Contract, error) {
	if c, ok := parsePadded(symbol); ok {
		return c, nil
	}
	return parseCompact(symbol)
}

func parsePadded(symbol string) (Contract, bool) {
	if len(symbol) != paddedLength {
		return Contract{}, false
	}
	root := strings.TrimSpace(symbol[:rootWidth])
	if root == "" {
		return Contract{}, false
	}
	c, err := parseTail(root, symbol[rootWidth:])
	if err != nil {
		return Contract{}, false
	}
	return c, true
}

// parseCompact scans for the first run of six digits followed by C or P.
func parseCompact(symbol string) (Contract, error) {
	s := strings.TrimSpace(symbol)
	for i := 1; i+6 < len(s); i++ {
		if !isAllDigits(s[i:i+6]) || (s[i+6] != 'C' && s[i+6] != 'P') {
			continue
		}
		root := strings.TrimSpace(s[:i])
		if root == "" {
			break
		}
		return parseTail(root, s[i:])
	}
	return Contract{}, fmt.Errorf("%w: %q", ErrNotOption, symbol)
}

// parseTail parses "YYMMDD" + "C|P" + 8-digit strike.
func parseTail(root, tail string) (Contract, error) {
	if len(tail) != 6+1+strikeDigits {
		return Contract{}, fmt.Errorf("%w: bad length %q", ErrNotOption, tail)
	}
	exp, err := parseYYMMDD(tail[:6])
	if err != nil {
		return Contract{}, err
	}
	typ := tail[6:7]
	if typ != "C" && typ != "P" {
		return Contract{}, fmt.Errorf("%w: invalid option type %q", ErrNotOption, typ)
	}
	strikeStr := tail[7:]
	if !isAllDigits(strikeStr) {
		return Contract{}, fmt.Errorf("%w: invalid strike %q", ErrNotOption, strikeStr)
	}
	raw, err := decimal.NewFromString(strikeStr)
	if err != nil {
		return Contract{}, fmt.Errorf("%w: invalid strike %q", ErrNotOption, strikeStr)
	}
	return Contract{
		Root:       root,
		Expiration: exp,
		Type:       typ,
		Strike:     raw.Div(decimal.NewFromInt(1000)),
	}, nil
}

func parseYYMMDD(s string) (time.Time, error) {
	if len(s) != 6 || !isAllDigits(s) {
		return time.Time{}, fmt.Errorf("%w: invalid date %q", ErrNotOption, s)
	}
	t, err := time.Parse("20060102", "20"+s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: invalid date %q", ErrNotOption, s)
	}
	return t, nil
}

// IsOption reports whether symbol parses as an option.
func IsOption(symbol string) bool {
	_, err := Parse(symbol)
	return err == nil
}

// Underlying returns the option root, or the trimmed symbol itself for
// equities.
// Examples:
//
//	"SPY   250117P00450000" -> "SPY"
//	"QQQ240315C00610000"    -> "QQQ"
//	"AAPL"                  -> "AAPL"
func Underlying(symbol string) string {
	if c, err := Parse(symbol); err == nil {
		return c.Root
	}
	return strings.TrimSpace(symbol)
}

// Expiration returns the expiration as YYYY-MM-DD. The padded layout is
// read at its fixed offset; other layouts are scanned.
func Expiration(symbol string) (string, bool) {
	c, err := Parse(symbol)
	if err != nil {
		return "", false
	}
	return c.ExpirationDate(), true
}

// OptionType returns "C", "P", or "" when symbol is not an option.
func OptionType(symbol string) string {
	c, err := Parse(symbol)
	if err != nil {
		return ""
	}
	return c.Type
}

// Forms returns symbol together with its alternate layout, so lookups
// match fills recorded in either form. Non-option symbols return only
// themselves.
func Forms(symbol string) []string {
	c, err := Parse(symbol)
	if err != nil {
		return []string{symbol}
	}
	padded := c.Padded()
	compact := c.Compact()
	out := []string{symbol}
	for _, f := range []string{padded, compact} {
		if f != symbol {
			out = append(out, f)
		}
	}
	return out
}

// Padded formats c as a 21-character OCC symbol.
func (c Contract) Padded() string {
	return fmt.Sprintf("%-6s%s", c.Root, c.suffix())
}

// Compact formats c without root padding.
func (c Contract) Compact() string {
	return c.Root + c.suffix()
}

func (c Contract) suffix() string {
	milli := c.Strike.Mul(decimal.NewFromInt(1000)).IntPart()
	return fmt.Sprintf("%s%s%08d", c.Expiration.Format("060102"), c.Type, milli)
}

func isAllDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
