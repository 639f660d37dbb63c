package billingpolicy_test

import (
	"testing"

	"github.com/smallbiznis/numera/internal/billingpolicy"
	companydomain "github.com/smallbiznis/numera/internal/company/domain"
)

func TestDecide(t *testing.T) {
	tests := []struct {
		name    string
		method  companydomain.BillingMethod
		balance int64
		total   int64
		want    billingpolicy.Decision
	}{
		{"prepaid with sufficient balance", companydomain.BillingMethodPrepaid, 5000, 2550, billingpolicy.PayFromBalance},
		{"prepaid with exact balance", companydomain.BillingMethodPrepaid, 2550, 2550, billingpolicy.PayFromBalance},
		{"prepaid with insufficient balance", companydomain.BillingMethodPrepaid, 1000, 2550, billingpolicy.IssueInvoice},
		{"pseudoprepaid with sufficient balance", companydomain.BillingMethodPseudoprepaid, 5000, 2550, billingpolicy.PayFromBalance},
		{"postpaid never pays from balance", companydomain.BillingMethodPostpaid, 999999, 2550, billingpolicy.IssueInvoice},
		{"zero total is free", companydomain.BillingMethodPostpaid, 0, 0, billingpolicy.PayFromBalance},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			company := companydomain.Company{
				BillingMethod: tt.method,
				BalanceCents:  tt.balance,
			}
			if got := billingpolicy.Decide(company, tt.total); got != tt.want {
				t.Fatalf("Decide() = %s, want %s", got, tt.want)
			}
		})
	}
}
