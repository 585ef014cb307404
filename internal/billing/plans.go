// Package billing holds the fixed subscription catalog offered at checkout.
package billing

import (
	"errors"
	"strings"
)

// PlanType selects the billing cadence of a subscription.
type PlanType string

const (
	PlanMonthly PlanType = "MONTHLY"
	PlanAnnual  PlanType = "ANNUAL"
)

// Currency is the only currency the catalog is priced in.
const Currency = "usd"

const (
	monthlyPriceCents       = 900
	annualMonthlyPriceCents = 700
	annualSuffix            = " (Annual)"
)

// ErrUnknownPlanType is returned for plan types outside the catalog.
var ErrUnknownPlanType = errors.New("billing: unknown plan type")

// Quote is the single line item sent to the processor for a checkout.
type Quote struct {
	PlanType    PlanType
	ProductName string
	// UnitAmount is charged once per Interval, in cents.
	UnitAmount int64
	Currency   string
	Interval   string
}

// ParsePlanType canonicalises a plan type supplied by a client.
func ParsePlanType(raw string) (PlanType, error) {
	switch PlanType(strings.ToUpper(strings.TrimSpace(raw))) {
	case PlanMonthly:
		return PlanMonthly, nil
	case PlanAnnual:
		return PlanAnnual, nil
	default:
		return "", ErrUnknownPlanType
	}
}

// QuoteFor prices planName at the given cadence. Amounts come from the fixed
// catalog: $9 billed monthly, or $7/month billed as $84 once a year.
func QuoteFor(planName string, planType PlanType) (Quote, error) {
	switch planType {
	case PlanMonthly:
		return Quote{
			PlanType:    PlanMonthly,
			ProductName: planName,
			UnitAmount:  monthlyPriceCents,
			Currency:    Currency,
			Interval:    "month",
		}, nil
	case PlanAnnual:
		return Quote{
			PlanType:    PlanAnnual,
			ProductName: planName + annualSuffix,
			UnitAmount:  annualMonthlyPriceCents * 12,
			Currency:    Currency,
			Interval:    "year",
		}, nil
	default:
		return Quote{}, ErrUnknownPlanType
	}
}
