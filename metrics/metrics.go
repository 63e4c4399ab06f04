// Package metrics contains all application-logic metrics
package metrics

import (
	"fmt"

	"github.com/VictoriaMetrics/metrics"
)

var (
	submissionsReceived = metrics.NewCounter("submissions_received_total")
	submissionsRejected = metrics.NewCounter("submissions_rejected_total")
	gasSuggestions      = metrics.NewCounter("gas_suggestions_total")
	gasSuggestionErrors = metrics.NewCounter("gas_suggestion_errors_total")
)

func IncSubmissionsReceived() {
	submissionsReceived.Inc()
}

func IncSubmissionsRejected() {
	submissionsRejected.Inc()
}

func IncGasSuggestions() {
	gasSuggestions.Inc()
}

func IncGasSuggestionErrors() {
	gasSuggestionErrors.Inc()
}

func IncBuilderRequest(builder string) {
	metrics.GetOrCreateCounter(fmt.Sprintf(`builder_requests_total{builder=%q}`, builder)).Inc()
}

func IncBuilderRequestError(builder string) {
	metrics.GetOrCreateCounter(fmt.Sprintf(`builder_request_errors_total{builder=%q}`, builder)).Inc()
}

func IncRPCCallFailure(method string) {
	metrics.GetOrCreateCounter(fmt.Sprintf(`rpc_call_failures_total{method=%q}`, method)).Inc()
}

func RecordRPCCallDuration(method string, millis int64) {
	metrics.GetOrCreateSummary(fmt.Sprintf(`rpc_call_duration_milliseconds{method=%q}`, method)).Update(float64(millis))
}
