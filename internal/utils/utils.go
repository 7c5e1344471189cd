// Package utils provides validation helpers for instrument keys.
//
// Instrument keys use the "BASE-QUOTE" form (e.g., "BTC-USD") regardless of
// the venue they were received from. The set of instruments is discovered
// from the feeds, so any well-formed key is accepted; the quote asset set is
// only used to split venue symbols that omit the separator.
package utils

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Error definitions for validation functions
var (
	ErrNoSymbols         = errors.New("zero instruments requested")
	ErrTooManySymbols    = errors.New("too many instruments requested")
	ErrInvalidInstrument = errors.New("invalid instrument key")
)

// MaxKeyLength bounds the length of an instrument key.
const MaxKeyLength = 32

// QuoteAssetSet contains the quote assets recognized when splitting
// concatenated venue symbols such as "BTCUSDT".
var QuoteAssetSet = map[string]bool{
	"USDT": true,
	"USDC": true,
	"USD":  true,
	"EUR":  true,
	"BTC":  true,
	"ETH":  true,
	"SOL":  true,
}

// quotesBySuffix orders quote assets longest first so that "USDT" wins over "USD".
var quotesBySuffix = sortedQuotes(QuoteAssetSet)

// NormalizeKey trims and upper-cases an instrument key.
func NormalizeKey(key string) string {
	return strings.ToUpper(strings.TrimSpace(key))
}

// ValidateSymbol validates that an instrument key follows the "BASE-QUOTE" form
// with alphanumeric assets. Validation is case-insensitive.
func ValidateSymbol(symbol string) error {
	if symbol == "" {
		return fmt.Errorf("%w: symbol cannot be empty", ErrInvalidInstrument)
	}
	if len(symbol) > MaxKeyLength {
		return fmt.Errorf("%w: %q is longer than %d characters", ErrInvalidInstrument, symbol, MaxKeyLength)
	}

	parts := strings.Split(symbol, "-")
	if len(parts) != 2 {
		return fmt.Errorf("%w: expected BASE-QUOTE, got %q", ErrInvalidInstrument, symbol)
	}
	if len(parts[0]) == 0 {
		return fmt.Errorf("%w: base asset cannot be empty", ErrInvalidInstrument)
	}
	if len(parts[1]) == 0 {
		return fmt.Errorf("%w: quote asset cannot be empty", ErrInvalidInstrument)
	}
	for _, p := range parts {
		if !isAlnum(p) {
			return fmt.Errorf("%w: asset %q must be alphanumeric", ErrInvalidInstrument, p)
		}
	}
	return nil
}

// ValidateInstruments validates a subscription filter. An empty filter means
// every instrument and is valid.
func ValidateInstruments(keys []string, maxAllowed int) error {
	if maxAllowed <= 0 {
		return fmt.Errorf("%w: max allowed must be positive, got %d",
			ErrTooManySymbols, maxAllowed)
	}

	if len(keys) > maxAllowed {
		return fmt.Errorf("%w: requested %d instruments, maximum allowed %d",
			ErrTooManySymbols, len(keys), maxAllowed)
	}

	for i, key := range keys {
		if err := ValidateSymbol(key); err != nil {
			return fmt.Errorf("invalid instrument at index %d (%q): %w", i, key, err)
		}
	}
	return nil
}

// ValidatePairs validates the explicit pair list a venue subscription needs.
func ValidatePairs(pairs []string, maxAllowed int) error {
	if len(pairs) == 0 {
		return ErrNoSymbols
	}
	return ValidateInstruments(pairs, maxAllowed)
}

// SplitConcatenated converts a venue symbol without separator ("btcusdt") into
// an instrument key ("BTC-USDT"). Symbols with an unknown quote asset are
// returned upper-cased.
func SplitConcatenated(symbol string) string {
	symbol = strings.ToUpper(symbol)
	for _, quote := range quotesBySuffix {
		if len(symbol) > len(quote) && strings.HasSuffix(symbol, quote) {
			return symbol[:len(symbol)-len(quote)] + "-" + quote
		}
	}
	return symbol
}

func sortedQuotes(set map[string]bool) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) > len(keys[j])
		}
		return keys[i] < keys[j]
	})
	return keys
}

func isAlnum(s string) bool {
	for _, r := range s {
		if !(r >= 'A' && r <= 'Z' || r >= 'a' && r <= 'z' || r >= '0' && r <= '9') {
			return false
		}
	}
	return true
}
