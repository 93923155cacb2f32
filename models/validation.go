package models

// Verdict is the outcome class of validating one raw row.
type Verdict int

const (
	VerdictAccepted Verdict = iota
	VerdictRejected
	VerdictQuarantined
)

func (v Verdict) String() string {
	switch v {
	case VerdictAccepted:
		return "accepted"
	case VerdictRejected:
		return "rejected"
	case VerdictQuarantined:
		return "quarantined"
	}
	return "unknown"
}

// RejectReason says why a rejected row was excluded from output.
type RejectReason string

const (
	RejectSchemaError  RejectReason = "schema_error"
	RejectDuplicate    RejectReason = "duplicate"
	RejectJunkFiltered RejectReason = "junk_filtered"
)

// JunkCategory tags a structurally valid row whose content looks dead.
// Junk rows are persisted with the flag set unless policy excludes the
// category.
type JunkCategory string

const (
	JunkNone          JunkCategory = ""
	JunkMissingPrices JunkCategory = "missing_prices"
	JunkMissingOI     JunkCategory = "missing_oi"
	JunkStaleUpdate   JunkCategory = "stale_update"
)

// QuarantineCategory tags a row held back for a structural inconsistency.
type QuarantineCategory string

const (
	QuarantineMixedExpiry QuarantineCategory = "mixed_expiry"
)

// ValidationResult is the tagged outcome of one validate call. Row is
// meaningful for Accepted and Quarantined verdicts; Reason for Rejected;
// Junk whenever a junk category applied regardless of verdict.
type ValidationResult struct {
	Verdict    Verdict
	Row        QuoteRow
	Reason     RejectReason
	Junk       JunkCategory
	Quarantine QuarantineCategory
	Detail     string
}

// Accepted builds an accept result carrying the validated row.
func Accepted(row QuoteRow) ValidationResult {
	return ValidationResult{Verdict: VerdictAccepted, Row: row}
}

// Rejected builds a reject result. The row is counted, never persisted.
func Rejected(reason RejectReason, detail string) ValidationResult {
	return ValidationResult{Verdict: VerdictRejected, Reason: reason, Detail: detail}
}

// Quarantined builds a quarantine result keeping the offending row for
// diagnostics.
func Quarantined(category QuarantineCategory, row QuoteRow, detail string) ValidationResult {
	return ValidationResult{Verdict: VerdictQuarantined, Quarantine: category, Row: row, Detail: detail}
}
