package trigger

import (
	"encoding/json"
	"io"
	"strings"

	"github.com/dharsanguruparan/Integrator/internal/errors"
)

// BillPayExport is the dry-run export document listing payments waiting to
// be exported, grouped by check run.
type BillPayExport struct {
	GroupedExports []struct {
		Data map[string][]BillPayLine `json:"data"`
	} `json:"grouped_exports"`
}

// BillPayLine is one invoice line of a check run.
type BillPayLine struct {
	CheckRunID    string  `json:"chequerun_id"`
	BankAccount   string  `json:"bank_account"`
	VendorID      string  `json:"vendor_id"`
	VendorName    string  `json:"vendor_name"`
	LocationID    string  `json:"location_id"`
	PaymentDate   string  `json:"payment_date"`
	PaymentNumber string  `json:"payment_number"`
	PaymentTotal  any     `json:"payment_total"`
	InvoiceNumber *string `json:"invoice_number"`
	InvoiceDate   string  `json:"invoice_date"`
	InvoiceAmount any     `json:"invoice_amount"`
}

// DecodeBillPayExport reads a BillPayExport document.
func DecodeBillPayExport(r io.Reader) (BillPayExport, error) {
	var out BillPayExport
	if err := json.NewDecoder(r).Decode(&out); err != nil {
		return BillPayExport{}, errors.Wrap(err, "decode billpay export")
	}
	return out, nil
}

// AccountingEntries folds exports into the accounting parameter of a
// payment export run, keyed by check run id. Check runs already present in
// into are left alone; lines without an invoice number are dropped.
func AccountingEntries(into map[string]any, exports ...BillPayExport) map[string]any {
	if into == nil {
		into = map[string]any{}
	}
	for _, export := range exports {
		for _, group := range export.GroupedExports {
			for id, lines := range group.Data {
				if len(lines) == 0 {
					continue
				}
				if _, seen := into[id]; seen {
					continue
				}
				head := lines[0]
				invoices := []any{}
				for _, l := range lines {
					if l.InvoiceNumber == nil || strings.TrimSpace(*l.InvoiceNumber) == "" {
						continue
					}
					invoices = append(invoices, map[string]any{
						"invoice_number": strings.TrimSpace(*l.InvoiceNumber),
						"invoice_date":   strings.TrimSpace(l.InvoiceDate),
						"invoice_amount": l.InvoiceAmount,
						"location_id":    l.LocationID,
					})
				}
				into[id] = map[string]any{
					"chequerun_id":   head.CheckRunID,
					"bank_account":   strings.TrimSpace(head.BankAccount),
					"vendor_id":      strings.TrimSpace(head.VendorID),
					"vendor_name":    strings.TrimSpace(head.VendorName),
					"location_id":    strings.TrimSpace(head.LocationID),
					"payment_date":   strings.TrimSpace(head.PaymentDate),
					"payment_number": strings.TrimSpace(head.PaymentNumber),
					"payment_total":  head.PaymentTotal,
					"invoices":       invoices,
				}
			}
		}
	}
	return into
}
