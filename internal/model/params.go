package model

import (
	"time"
)

// DateLayout is the wire format of start_date and end_date.
const DateLayout = "2006-01-02"

// Request parameter keys.
const (
	ParamVersion          = "version"
	ParamStartDate        = "start_date"
	ParamEndDate          = "end_date"
	ParamSuppressInvoices = "suppress_invoices"
	ParamCustomerNumbers  = "customer_numbers"
	ParamAccounting       = "accounting"
	ParamImportEntities   = "import_entities"
	ParamImportPayments   = "import_payments"
	ParamPaymentDate      = "payment_date"
)

// Params is the frozen request_parameters snapshot of a Run.
type Params map[string]any

// Clone returns a deep copy of p.
func (p Params) Clone() Params {
	if p == nil {
		return nil
	}
	return Params(cloneMap(p))
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case Params:
		return Params(cloneMap(t))
	case CustomProperties:
		return CustomProperties(cloneMap(t))
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	}
	return v
}

func (p Params) date(key string) (time.Time, bool) {
	switch v := p[key].(type) {
	case string:
		t, err := time.Parse(DateLayout, v)
		return t, err == nil
	case time.Time:
		return v, true
	}
	return time.Time{}, false
}

// StartDate returns the start of the download window.
func (p Params) StartDate() (time.Time, bool) { return p.date(ParamStartDate) }

// EndDate returns the end of the download window, inclusive.
func (p Params) EndDate() (time.Time, bool) { return p.date(ParamEndDate) }

// SuppressInvoices reports whether ingestion is suppressed for the run.
func (p Params) SuppressInvoices() bool {
	return truthy(p[ParamSuppressInvoices])
}

// CustomerNumbers returns the optional customer number filter.
func (p Params) CustomerNumbers() []string {
	return stringList(p[ParamCustomerNumbers])
}

// ImportEntities returns the entities requested by an import run.
func (p Params) ImportEntities() []EntityType {
	raw := stringList(p[ParamImportEntities])
	out := make([]EntityType, 0, len(raw))
	for _, s := range raw {
		out = append(out, EntityType(s))
	}
	return out
}

// Accounting returns the per check-run entries of a payment export run.
func (p Params) Accounting() map[string]map[string]any {
	raw, ok := p[ParamAccounting].(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]map[string]any, len(raw))
	for id, entry := range raw {
		if m, ok := entry.(map[string]any); ok {
			out[id] = m
		}
	}
	return out
}

func stringList(v any) []string {
	switch t := v.(type) {
	case []string:
		return append([]string(nil), t...)
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		if t == "" {
			return nil
		}
		return []string{t}
	}
	return nil
}
