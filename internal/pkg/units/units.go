// Package units parses and formats native-currency amounts.
package units

import (
	"fmt"
	"math/big"
	"strings"
)

var (
	gwei  = big.NewInt(1e9)
	ether = big.NewInt(1e18)
)

// ParseWei parses an amount such as "1ether", "0.5gwei", "3500 gwei" or a
// bare integer (interpreted as wei).
func ParseWei(s string) (*big.Int, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" || s == "0" {
		return big.NewInt(0), nil
	}

	multiplier := big.NewInt(1)
	switch {
	case strings.HasSuffix(s, "ether"):
		multiplier = ether
		s = strings.TrimSuffix(s, "ether")
	case strings.HasSuffix(s, "eth"):
		multiplier = ether
		s = strings.TrimSuffix(s, "eth")
	case strings.HasSuffix(s, "neon"):
		multiplier = ether
		s = strings.TrimSuffix(s, "neon")
	case strings.HasSuffix(s, "gwei"):
		multiplier = gwei
		s = strings.TrimSuffix(s, "gwei")
	case strings.HasSuffix(s, "wei"):
		s = strings.TrimSuffix(s, "wei")
	}
	s = strings.TrimSpace(s)

	if strings.HasPrefix(s, "-") {
		return nil, fmt.Errorf("negative amount: %s", s)
	}

	if whole, frac, ok := strings.Cut(s, "."); ok {
		if strings.Contains(frac, ".") {
			return nil, fmt.Errorf("invalid decimal format: %s", s)
		}
		w := big.NewInt(0)
		if whole != "" {
			var ok bool
			if w, ok = new(big.Int).SetString(whole, 10); !ok {
				return nil, fmt.Errorf("invalid number: %s", s)
			}
		}
		f, ok := new(big.Int).SetString(frac, 10)
		if !ok {
			return nil, fmt.Errorf("invalid decimal part: %s", s)
		}

		scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(len(frac))), nil)
		if new(big.Int).Mod(new(big.Int).Mul(f, multiplier), scale).Sign() != 0 {
			return nil, fmt.Errorf("amount %s has more precision than wei", s)
		}

		result := new(big.Int).Mul(w, multiplier)
		result.Add(result, new(big.Int).Div(new(big.Int).Mul(f, multiplier), scale))
		return result, nil
	}

	val, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid number: %s", s)
	}
	return val.Mul(val, multiplier), nil
}

// FormatEther renders wei as a decimal ether amount with up to four decimals.
func FormatEther(wei *big.Int) string {
	return format(wei, ether, 4)
}

// FormatGwei renders wei as a decimal gwei amount with up to two decimals.
func FormatGwei(wei *big.Int) string {
	return format(wei, gwei, 2)
}

func format(wei, unit *big.Int, decimals int) string {
	if wei == nil {
		return "0"
	}

	whole := new(big.Int).Div(wei, unit)
	remainder := new(big.Int).Mod(wei, unit)
	if remainder.Sign() == 0 {
		return whole.String()
	}

	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	frac := new(big.Int).Mul(remainder, scale)
	frac.Div(frac, unit)
	if frac.Sign() == 0 {
		return whole.String()
	}

	return fmt.Sprintf("%s.%0*d", whole, decimals, frac.Int64())
}
