// Package billingpolicy decides how a charge is settled for a company.
// It is a pure function of the company and the amount; callers own the
// side effects.
package billingpolicy

import (
	companydomain "github.com/smallbiznis/numera/internal/company/domain"
)

// Decision is the settlement route for a charge.
type Decision string

const (
	// PayFromBalance deducts the amount from the company balance immediately.
	PayFromBalance Decision = "balance"
	// IssueInvoice defers settlement to an externally billed invoice.
	IssueInvoice Decision = "invoice"
)

// Decide picks the settlement route for totalCents. Upfront-paying companies
// with sufficient balance pay from it; everyone else gets invoiced.
func Decide(company companydomain.Company, totalCents int64) Decision {
	if totalCents <= 0 {
		return PayFromBalance
	}
	if company.BillingMethod.PaysUpfront() && company.BalanceCents >= totalCents {
		return PayFromBalance
	}
	return IssueInvoice
}
