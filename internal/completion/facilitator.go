package completion

// DefaultFacilitatorMaxChecks is the Facilitator strategy's default check
// budget: a maxChecks=10 default kept as a named configurable constant
// rather than a magic number sprinkled through the factory.
const DefaultFacilitatorMaxChecks = 10

// NewFacilitator constructs the Facilitator strategy: a CheckBudget
// pre-configured with DefaultFacilitatorMaxChecks unless maxChecks
// overrides it. It is its own exported type (rather than a raw
// CheckBudget) so Type() reports "facilitator" for logging/config
// round-tripping, per the factory's separate "facilitator"-style entries.
type Facilitator struct {
	*CheckBudget
}

// NewFacilitatorWithMaxChecks constructs a Facilitator strategy with an
// explicit check budget; maxChecks <= 0 selects
// DefaultFacilitatorMaxChecks.
func NewFacilitatorWithMaxChecks(maxChecks int) (*Facilitator, error) {
	if maxChecks <= 0 {
		maxChecks = DefaultFacilitatorMaxChecks
	}
	cb, err := NewCheckBudget(maxChecks)
	if err != nil {
		return nil, err
	}
	return &Facilitator{CheckBudget: cb}, nil
}

func (h *Facilitator) Type() string { return "facilitator" }
