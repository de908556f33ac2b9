package anonymize

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"dw-etl/internal/transform"

	"github.com/zeebo/xxh3"
)

// Strategy labels a way of de-identifying a display name.
type Strategy string

const (
	StrategyHash     Strategy = "hash"
	StrategyMask     Strategy = "mask"
	StrategyInitials Strategy = "initials"
	StrategyGeneric  Strategy = "generic"
	StrategyVendedor Strategy = "vendedor"
)

const (
	hashLength       = 12
	maskSuffix       = "***"
	genericPrefix    = "Pessoa"
	vendedorPrefix   = "Vendedor"
	placeholderRange = 1000
	maskKeepMinRunes = 4 // middle parts this long survive mask
	vendedorMinRunes = 3 // parts this long can name a vendedor placeholder
)

// ErrInvalidUTF8 is returned by strategies that split a name into characters.
var ErrInvalidUTF8 = errors.New("name is not valid UTF-8")

// Func anonymizes a non-blank name.
type Func func(name string) (string, error)

var strategies = map[Strategy]Func{
	StrategyHash:     Hash,
	StrategyMask:     Mask,
	StrategyInitials: Initials,
	StrategyGeneric:  Generic,
	StrategyVendedor: Vendedor,
}

// Lookup returns the strategy registered under label (case-insensitive).
func Lookup(label string) (Strategy, Func, bool) {
	s := Strategy(strings.ToLower(strings.TrimSpace(label)))
	fn, ok := strategies[s]
	return s, fn, ok
}

// Known lists the supported strategy labels.
func Known() []Strategy {
	return []Strategy{StrategyHash, StrategyMask, StrategyInitials, StrategyGeneric, StrategyVendedor}
}

// Hash returns the first 12 hex characters of the SHA-256 digest of name.
func Hash(name string) (string, error) {
	return transform.HexDigest("sha256", strings.TrimSpace(name), hashLength)
}

// Mask keeps the number of parts and hides their content:
// "Ana Maria Souza" becomes "A*** Maria S***", "Ana de Souza" becomes "A*** d*** S***".
func Mask(name string) (string, error) {
	parts, err := split(name)
	if err != nil {
		return "", err
	}
	out := make([]string, len(parts))
	for i, p := range parts {
		middle := i > 0 && i < len(parts)-1
		if middle && utf8.RuneCountInString(p) >= maskKeepMinRunes {
			out[i] = p
			continue
		}
		out[i] = firstRune(p) + maskSuffix
	}
	return strings.Join(out, " "), nil
}

// Initials reduces each part to its first character: "Ana Maria Souza" becomes "A. M. S.".
func Initials(name string) (string, error) {
	parts, err := split(name)
	if err != nil {
		return "", err
	}
	out := make([]string, len(parts))
	for i, p := range parts {
		out[i] = firstRune(p) + "."
	}
	return strings.Join(out, " "), nil
}

// Generic replaces the name with "Pessoa NNN", NNN derived from an xxh3 digest.
func Generic(name string) (string, error) {
	if !utf8.ValidString(name) {
		return "", ErrInvalidUTF8
	}
	return fmt.Sprintf("%s %03d", genericPrefix, placeholderNumber(name)), nil
}

// Vendedor builds "Vendedor <part>" from the first middle part of three or more
// characters (or the second part of a two-part name), falling back to "Vendedor NNN".
func Vendedor(name string) (string, error) {
	parts, err := split(name)
	if err != nil {
		return "", err
	}
	switch {
	case len(parts) >= 3:
		for _, p := range parts[1 : len(parts)-1] {
			if utf8.RuneCountInString(p) >= vendedorMinRunes {
				return vendedorPrefix + " " + p, nil
			}
		}
	case len(parts) == 2:
		if utf8.RuneCountInString(parts[1]) >= vendedorMinRunes {
			return vendedorPrefix + " " + parts[1], nil
		}
	}
	return fmt.Sprintf("%s %03d", vendedorPrefix, placeholderNumber(name)), nil
}

func placeholderNumber(name string) uint64 {
	return xxh3.HashString(strings.TrimSpace(name)) % placeholderRange
}

func split(name string) ([]string, error) {
	if !utf8.ValidString(name) {
		return nil, ErrInvalidUTF8
	}
	return strings.Fields(name), nil
}

func firstRune(s string) string {
	r, _ := utf8.DecodeRuneInString(s)
	return string(r)
}
