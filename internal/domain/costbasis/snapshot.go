package costbasis

import (
	"errors"

	"github.com/fuelsentry/fuelsentry/internal/domain/fuel"
	"github.com/fuelsentry/fuelsentry/internal/domain/regime"
)

// ErrMissingRetailPrice is returned when a cost snapshot is requested for an
// observation without pump price data.
var ErrMissingRetailPrice = errors.New("cost snapshot requires an observed retail price")

// CostSnapshot decomposes one day's pump price into cost components. It is a
// calibration and cross-validation artifact: the reverse-engineered implied
// cost it carries must never feed the pressure computation, which compares
// forward-methodology values on both sides.
type CostSnapshot struct {
	CIFComponent     float64 // (reference × fx) / conversion factor
	ExciseComponent  float64
	VATComponent     float64
	MarginComponent  float64
	TheoreticalCost  float64 // (cif + excise) × (1 + vat) + margin
	ActualPumpPrice  float64
	ImpliedCost      float64 // (pump − margin) / (1 + vat) − excise
	ImpliedReference float64 // implied cost converted back to USD/ton
	CostGap          float64 // pump − theoretical
	CostGapPct       float64
}

// ImpliedCost reverse-engineers the absolute net cost level from an observed
// pump price. Calibration-only; see CostSnapshot.
func ImpliedCost(retailPrice, assumedMargin, vatRate, exciseTax float64) float64 {
	return (retailPrice-assumedMargin)/(1+vatRate) - exciseTax
}

// Snapshot computes the daily cost decomposition for one observation.
func Snapshot(ft fuel.Type, params regime.Params, o Observation) (*CostSnapshot, error) {
	if o.RetailPrice == nil {
		return nil, ErrMissingRetailPrice
	}

	cif, err := ForwardIndicator(o.ReferencePrice, o.FXRate, ft.ConversionFactor())
	if err != nil {
		return nil, err
	}

	pump := *o.RetailPrice
	theoretical := (cif+o.ExciseTax)*(1+o.VATRate) + params.AssumedMargin
	implied := ImpliedCost(pump, params.AssumedMargin, o.VATRate, o.ExciseTax)

	impliedRef := 0.0
	if o.FXRate > 0 {
		impliedRef = implied * ft.ConversionFactor() / o.FXRate
	}

	gap := pump - theoretical
	gapPct := 0.0
	if theoretical != 0 {
		gapPct = gap / theoretical * 100
	}

	return &CostSnapshot{
		CIFComponent:     cif,
		ExciseComponent:  o.ExciseTax,
		VATComponent:     (cif + o.ExciseTax) * o.VATRate,
		MarginComponent:  params.AssumedMargin,
		TheoreticalCost:  theoretical,
		ActualPumpPrice:  pump,
		ImpliedCost:      implied,
		ImpliedReference: impliedRef,
		CostGap:          gap,
		CostGapPct:       gapPct,
	}, nil
}
