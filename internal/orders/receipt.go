package orders

import (
	"fmt"
	"strings"

	"github.com/kiwari-pos/terminal/internal/domain"
)

// renderReceipt formats an order as plain text for the bridge printer.
func renderReceipt(rec domain.OrderRecord) string {
	num := rec.OrderNumber
	if num == "" {
		num = rec.ID.String()
	}

	var b strings.Builder
	fmt.Fprintf(&b, "ORDER %s\n", num)
	fmt.Fprintf(&b, "%s\n", rec.OrderType)
	if rec.Notes != "" {
		fmt.Fprintf(&b, "NOTE: %s\n", rec.Notes)
	}
	b.WriteString("--------------------------------\n")
	for _, it := range rec.Items {
		fmt.Fprintf(&b, "%dx %-20s %8s\n", it.Quantity, it.Name, it.UnitPrice.StringFixed(2))
		if it.Notes != "" {
			fmt.Fprintf(&b, "   %s\n", it.Notes)
		}
	}
	b.WriteString("--------------------------------\n")
	fmt.Fprintf(&b, "SUBTOTAL %23s\n", rec.Totals.Subtotal.StringFixed(2))
	if !rec.Totals.DiscountAmount.IsZero() {
		fmt.Fprintf(&b, "DISCOUNT %23s\n", rec.Totals.DiscountAmount.Neg().StringFixed(2))
	}
	fmt.Fprintf(&b, "TAX %28s\n", rec.Totals.TaxAmount.StringFixed(2))
	fmt.Fprintf(&b, "TOTAL %26s\n", rec.Totals.TotalAmount.StringFixed(2))
	return b.String()
}
