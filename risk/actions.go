// risk/actions.go
package risk

import "fmt"

// Action is one decision of a risk pass, executed by the engine.
type Action interface {
	Description() string
}

// NoOpAction represents that no action should be taken.
type NoOpAction struct{}

func (a *NoOpAction) Description() string { return "No operation." }

// PlaceStopAction places a protective stop-market order where none rests.
type PlaceStopAction struct {
	Price    float64
	Quantity float64
	Reason   string
}

func (a *PlaceStopAction) Description() string {
	return fmt.Sprintf("Place stop at %.6f for %.6f (%s)", a.Price, a.Quantity, a.Reason)
}

// ReplaceStopAction swaps the resting stop for a tighter one, falling back to
// Previous if the new stop cannot be placed.
type ReplaceStopAction struct {
	OrderID  int64
	Previous float64
	Price    float64
	Quantity float64
	Reason   string
}

func (a *ReplaceStopAction) Description() string {
	return fmt.Sprintf("Move stop %.6f -> %.6f (%s)", a.Previous, a.Price, a.Reason)
}

// PlaceTrailingAction places a trailing stop that activates at ActivationPrice.
type PlaceTrailingAction struct {
	ActivationPrice float64
	CallbackRate    float64
	Quantity        float64
}

func (a *PlaceTrailingAction) Description() string {
	return fmt.Sprintf("Place trailing stop, activation %.6f, callback %.2f%%", a.ActivationPrice, a.CallbackRate)
}

// ResizeTrailingAction replaces the resting trailing stop with one covering
// the current position size.
type ResizeTrailingAction struct {
	OrderID         int64
	Previous        float64
	Quantity        float64
	ActivationPrice float64
	CallbackRate    float64
}

func (a *ResizeTrailingAction) Description() string {
	return fmt.Sprintf("Resize trailing stop %.6f -> %.6f, activation %.6f", a.Previous, a.Quantity, a.ActivationPrice)
}

// ClosePositionAction closes the whole position at market.
type ClosePositionAction struct {
	Reason    string
	Price     float64
	ProfitPct float64
}

func (a *ClosePositionAction) Description() string {
	return fmt.Sprintf("Close position at market near %.6f (%s, %.3f%%)", a.Price, a.Reason, a.ProfitPct)
}
