// Package metrics contains all application-logic metrics
package metrics

import (
	"fmt"
	"strings"

	"github.com/VictoriaMetrics/metrics"
)

var (
	bundlesAssembled   = metrics.NewCounter("bundles_assembled_total")
	bundlesSubmitted   = metrics.NewCounter("bundles_submitted_total")
	relayRejected      = metrics.NewCounter("relay_rejected_total")
	relayUnavailable   = metrics.NewCounter("relay_unavailable_total")
	txsConfirmed       = metrics.NewCounter("txs_confirmed_total")
	staleNonces        = metrics.NewCounter("stale_nonces_total")
	settlementTimeouts = metrics.NewCounter("settlement_timeouts_total")
	devRelayForwarded  = metrics.NewCounter("devrelay_bundles_forwarded_total")
	devRelayFailed     = metrics.NewCounter("devrelay_bundles_failed_total")

	relayCallDuration  = metrics.NewSummary("relay_call_duration_milliseconds")
	settlementDuration = metrics.NewSummary("settlement_duration_milliseconds")
)

const liquidationOutcomeLabel = `liquidation_outcomes_total{status="%s"}`

func IncBundlesAssembled() {
	bundlesAssembled.Inc()
}

func IncBundlesSubmitted() {
	bundlesSubmitted.Inc()
}

func IncRelayRejected() {
	relayRejected.Inc()
}

func IncRelayUnavailable() {
	relayUnavailable.Inc()
}

func IncTxsConfirmed() {
	txsConfirmed.Inc()
}

func IncStaleNonces() {
	staleNonces.Inc()
}

func IncSettlementTimeouts() {
	settlementTimeouts.Inc()
}

func IncDevRelayForwarded() {
	devRelayForwarded.Inc()
}

func IncDevRelayFailed() {
	devRelayFailed.Inc()
}

func RecordRelayCallDuration(ms int64) {
	relayCallDuration.Update(float64(ms))
}

func RecordSettlementDuration(ms int64) {
	settlementDuration.Update(float64(ms))
}

// IncLiquidationOutcome counts outcomes by status; every error status is counted as "error".
func IncLiquidationOutcome(status string) {
	label := "success"
	switch {
	case strings.HasPrefix(status, "Error"):
		label = "error"
	case status != "Success":
		label = "skipped"
	}
	metrics.GetOrCreateCounter(fmt.Sprintf(liquidationOutcomeLabel, label)).Inc()
}
