// Package localization renders store prices for display.
package localization

import (
	"fmt"
	"strings"

	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"
)

// FormatPrice formats a currency amount into a display string in the
// provided locale. Unknown currency codes fall back to "CODE amount".
func FormatPrice(locale language.Tag, code string, amount float64) string {
	unit, err := currency.ParseISO(code)
	if err != nil {
		return fmt.Sprintf("%s %.2f", strings.ToUpper(code), amount)
	}

	scale, _ := currency.Cash.Rounding(unit)

	printer := message.NewPrinter(locale)
	formattedAmount := printer.Sprint(number.Decimal(amount, number.Scale(scale)))
	symbol := printer.Sprint(currency.NarrowSymbol(unit))

	return symbol + formattedAmount
}

// FormatMicros formats a price expressed in micro-units, the shape the Play
// Developer API reports.
func FormatMicros(locale language.Tag, code string, micros int64) string {
	return FormatPrice(locale, code, float64(micros)/1e6)
}
