// Package dispatch implements direct transaction and bundle submission to
// block builders. Here is a full flow of data through the engine:
//
// caller -> BuilderRPC sends:
//   - raw private transactions
//   - bundles
//   - bundle cancellations
//   - mev share bundles
//
// BuilderRPC -> Builder formats the payload for each configured endpoint
// BuilderRPC fans the formatted envelopes out over HTTP, one request per
// builder, signing the body for builders that require it
//
// API -> BuilderRPC exposes the same operations over JSON-RPC for proxy
// deployments, recording submissions in SubmissionStore and publishing
// outcomes to the event stream.
package dispatch

const (
	// MevSendBundleMethod is the mev share submission method. Mev share
	// bundles are always routed through the Flashbots relay.
	MevSendBundleMethod = "mev_sendBundle"

	// BundleStatsMethod is the bundle trace query. Titan is the only
	// builder exposing it at the moment.
	BundleStatsMethod = "titan_getBundleStats"
)
