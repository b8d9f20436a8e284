package errors

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// Code identifies a failure kind. Codes, not Go types, drive recovery.
type Code string

const (
	AccountDisabledWeb               Code = "intgrt.account_disabled.web"
	AuthenticationFailedFTP          Code = "intgrt.auth_failed.ftp"
	AuthenticationFailedWeb          Code = "intgrt.auth_failed.web"
	UserPermissionInvoiceNotEnrolled Code = "intgrt.permission.invoice_not_enrolled"
	CommonUnsupportedOperation       Code = "intgrt.common.unsupported_operation"
	CommonUnknown                    Code = "intgrt.common.unknown"
	ExternalUpstreamUnavailable      Code = "intgrt.external.upstream_unavailable"
	WebsiteUnderMaintenance          Code = "intgrt.external.website_under_maintenance"

	PECheckRunAlreadyExists    Code = "intgrt.payment_export.checkrun_already_exists"
	PECheckRunDisabled         Code = "intgrt.payment_export.checkrun_disabled"
	PEInvalidDiscoveredFile    Code = "intgrt.payment_export.invalid_discovered_file"
	PEResponseValidationFailed Code = "intgrt.payment_export.response_validation_failed"
	PEPaymentConflict          Code = "intgrt.payment_export.payment_conflict"
	PEDuplicateTxnFound        Code = "intgrt.payment_export.duplicate_txn_found"

	VPInvoiceSelectionFailed        Code = "intgrt.vendor_payment.invoice_selection_failed"
	VPInvoiceAmountMismatchedFailed Code = "intgrt.vendor_payment.invoice_vcard_amount_mismatch"

	// Core-internal kinds. These never reach the user as a failure issue.
	DuplicateInRun   Code = "intgrt.core.duplicate_in_run"
	DuplicateContent Code = "intgrt.core.duplicate_content"
	ZeroFileSize     Code = "intgrt.core.zero_file_size"
	Canceled         Code = "intgrt.core.canceled"
)

var templates = map[Code]string{
	AccountDisabledWeb:               "Account is disabled, please check activate the account (username: {username})",
	AuthenticationFailedFTP:          "Authentication failed, please check FTP credentials",
	AuthenticationFailedWeb:          "Website login failed, please check login credentials (username: {username})",
	UserPermissionInvoiceNotEnrolled: "Invoices are not available, please check if user is enrolled for e-invoices",
	CommonUnsupportedOperation:       "This operation is not supported",
	CommonUnknown:                    "Unexpected error: {error}",
	ExternalUpstreamUnavailable:      "Could not connect because website was unavailable",
	WebsiteUnderMaintenance:          "Could not connect because website is under maintenance",
	PECheckRunAlreadyExists:          "Specified payment '{payment_number}' has already been exported",
	PECheckRunDisabled:               "Exports for payment '{payment_number}' are disabled after repeated failures",
	PEInvalidDiscoveredFile:          "To download invoices, found invalid discovered file.",
	PEResponseValidationFailed:       "Payment export failed: {error_message}",
	PEPaymentConflict:                "Specified payment '{payment_number}' already exists in accounting system",
	PEDuplicateTxnFound:              "We found another payment that looked similar to this one {prefix_number}, {amount}",
	VPInvoiceSelectionFailed:         "No invoice with given invoice id found : {invoice_id}",
	VPInvoiceAmountMismatchedFailed:  "Card limit amount and invoice due amount does not match {invoice_id}",
	DuplicateInRun:                   "Discovered file with reference '{reference_code}' already exists for this job",
	DuplicateContent:                 "Discovered file content already known as {existing_id}",
	ZeroFileSize:                     "Downloaded file size is zero",
	Canceled:                         "Run canceled",
}

// Coded is an error carrying a code, a rendered message and its parameters.
type Coded struct {
	Code    Code
	Message string
	Params  map[string]any
}

func (e *Coded) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewCoded builds a Coded error, rendering the code's message template.
func NewCoded(code Code, params map[string]any) *Coded {
	return &Coded{Code: code, Message: Render(code, params), Params: params}
}

// Render substitutes {name} placeholders in the template for code.
func Render(code Code, params map[string]any) string {
	tmpl, ok := templates[code]
	if !ok {
		tmpl = string(code)
	}
	if len(params) == 0 {
		return tmpl
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys)*2)
	for _, k := range keys {
		pairs = append(pairs, "{"+k+"}", fmt.Sprint(params[k]))
	}
	return strings.NewReplacer(pairs...).Replace(tmpl)
}

// CodeOf extracts the code of the first Coded error in err's chain.
func CodeOf(err error) (Code, bool) {
	var coded *Coded
	if As(err, &coded) {
		return coded.Code, true
	}
	return "", false
}

// Recovery is what the run pipeline does with an error.
type Recovery int

const (
	// RecoveryFailRun stops the run and marks it Failed.
	RecoveryFailRun Recovery = iota
	// RecoveryRetryThenFail retries within the HTTP budget, then fails the run.
	RecoveryRetryThenFail
	// RecoveryFailRetryNextTick fails the run; the next scheduled tick may retry.
	RecoveryFailRetryNextTick
	// RecoveryDropArtifact drops one artifact and keeps the run going.
	RecoveryDropArtifact
	// RecoverySkipEntry skips one payment entry and records it.
	RecoverySkipEntry
	// RecoveryCancel stops promptly and marks the run Canceled.
	RecoveryCancel
)

// Classification is the recovery policy resolved for an error.
type Classification struct {
	Code     Code
	Recovery Recovery
	// Partial reports whether absorbing this error downgrades the run to
	// PartiallySucceeded.
	Partial bool
	// Silent reports whether the error is expected and not worth a warning.
	Silent bool
}

// Retryable reports whether the error may be retried in-process.
func (c Classification) Retryable() bool {
	return c.Recovery == RecoveryRetryThenFail
}

// FailsRun reports whether the run terminates as Failed.
func (c Classification) FailsRun() bool {
	switch c.Recovery {
	case RecoveryFailRun, RecoveryRetryThenFail, RecoveryFailRetryNextTick:
		return true
	}
	return false
}

var policies = map[Code]Classification{
	AuthenticationFailedWeb:         {Recovery: RecoveryFailRun},
	AuthenticationFailedFTP:         {Recovery: RecoveryFailRun},
	AccountDisabledWeb:              {Recovery: RecoveryFailRun},
	WebsiteUnderMaintenance:         {Recovery: RecoveryFailRetryNextTick},
	ExternalUpstreamUnavailable:     {Recovery: RecoveryRetryThenFail},
	PEResponseValidationFailed:      {Recovery: RecoveryFailRun},
	PEInvalidDiscoveredFile:         {Recovery: RecoveryDropArtifact, Partial: true},
	VPInvoiceAmountMismatchedFailed: {Recovery: RecoverySkipEntry, Partial: true},
	VPInvoiceSelectionFailed:        {Recovery: RecoverySkipEntry, Partial: true},
	PECheckRunAlreadyExists:         {Recovery: RecoverySkipEntry, Silent: true},
	PECheckRunDisabled:              {Recovery: RecoverySkipEntry, Silent: true},
	DuplicateInRun:                  {Recovery: RecoveryDropArtifact, Silent: true},
	DuplicateContent:                {Recovery: RecoveryDropArtifact, Silent: true},
	ZeroFileSize:                    {Recovery: RecoveryDropArtifact, Partial: true},
	Canceled:                        {Recovery: RecoveryCancel},
}

// Classify resolves the recovery policy for err. Context cancellation maps
// to Canceled; uncoded errors fail the run.
func Classify(err error) Classification {
	if err == nil {
		return Classification{}
	}
	if code, ok := CodeOf(err); ok {
		c, known := policies[code]
		if !known {
			c = Classification{Recovery: RecoveryFailRun}
		}
		c.Code = code
		return c
	}
	if Is(err, context.Canceled) || Is(err, context.DeadlineExceeded) {
		c := policies[Canceled]
		c.Code = Canceled
		return c
	}
	return Classification{Code: CommonUnknown, Recovery: RecoveryFailRun}
}
