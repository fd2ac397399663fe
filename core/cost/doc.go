// Package cost defines the pricing structures used to turn token counts into
// a monetary cost for each metered model invocation.
//
// The main types are [ModelCost], which expresses a model's price in USD per
// million input and output tokens, and [RateTable], the static per-model table
// consulted by the usage ledger. Unknown models are reported with
// [session.ErrUnknownModel] so configuration mistakes surface at startup.
package cost
