package model

import "time"

// PaymentDateLayout is how accounting entries carry the payment date.
const PaymentDateLayout = "01/02/2006"

// CheckRun is one payment export attempt for an external check_run_id.
type CheckRun struct {
	ID                string     `json:"id"`
	RunID             string     `json:"run_id"`
	CheckRunID        string     `json:"check_run_id"`
	IsCheckRunSuccess bool       `json:"is_checkrun_success"`
	PaymentDate       *time.Time `json:"payment_date,omitempty"`
	ExportError       *Issue     `json:"export_error,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`

	// IsDisabled is nil until the maintenance loop has evaluated the row.
	IsDisabled *bool `json:"is_disabled"`
}

// Disabled reports whether the row is explicitly disabled.
func (c *CheckRun) Disabled() bool {
	return c.IsDisabled != nil && *c.IsDisabled
}

// Evaluated reports whether the disable policy has looked at the row.
func (c *CheckRun) Evaluated() bool {
	return c.IsDisabled != nil
}

// SetDisabled records the policy verdict. A disabled row never flips back
// here; operators use Reenable.
func (c *CheckRun) SetDisabled(v bool, now time.Time) {
	if c.Disabled() {
		return
	}
	c.IsDisabled = &v
	c.UpdatedAt = now
}

// Reenable clears a disabled flag. It is the operator override.
func (c *CheckRun) Reenable(now time.Time) {
	f := false
	c.IsDisabled = &f
	c.UpdatedAt = now
}

// RecordOutcome stores the export result.
func (c *CheckRun) RecordOutcome(success bool, issue *Issue, now time.Time) {
	c.IsCheckRunSuccess = success
	c.ExportError = issue
	if success {
		c.ExportError = nil
	}
	c.UpdatedAt = now
}

// ParsePaymentDate parses a payment date in the accounting entry format.
func ParsePaymentDate(s string) (time.Time, bool) {
	t, err := time.Parse(PaymentDateLayout, s)
	return t, err == nil
}

// Clone returns a deep copy of c.
func (c *CheckRun) Clone() *CheckRun {
	out := *c
	if c.IsDisabled != nil {
		v := *c.IsDisabled
		out.IsDisabled = &v
	}
	if c.PaymentDate != nil {
		t := *c.PaymentDate
		out.PaymentDate = &t
	}
	if c.ExportError != nil {
		issue := *c.ExportError
		issue.Params = cloneMap(c.ExportError.Params)
		out.ExportError = &issue
	}
	return &out
}
