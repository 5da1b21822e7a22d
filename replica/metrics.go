package replica

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var (
	meter  = otel.Meter("github.com/did-method-plc/go-oplogsync/replica")
	tracer = otel.Tracer("github.com/did-method-plc/go-oplogsync/replica")
)

var (
	BufferQueueGauge     metric.Int64Gauge
	BufferWaitGauge      metric.Int64Gauge
	ProducerStateGauge   metric.Int64Gauge
	LastFetchedSeqGauge  metric.Int64Gauge
	LastAppliedOpTsGauge metric.Int64Gauge
	FetchedOpsCounter    metric.Int64Counter
	AppliedOpsCounter    metric.Int64Counter
	ReselectCounter      metric.Int64Counter
	ConflictCounter      metric.Int64Counter
)

func init() {
	var err error
	BufferQueueGauge, err = meter.Int64Gauge("oplogsync_buffer_queue",
		metric.WithDescription("Number of fetched entries waiting to be applied"),
	)
	if err != nil {
		panic(err)
	}
	BufferWaitGauge, err = meter.Int64Gauge("oplogsync_buffer_wait_time",
		metric.WithDescription("Cumulative time the producer spent blocked on a full buffer"),
		metric.WithUnit("us"),
	)
	if err != nil {
		panic(err)
	}
	ProducerStateGauge, err = meter.Int64Gauge("oplogsync_producer_state",
		metric.WithDescription("Current producer state: 1 with state attribute"),
	)
	if err != nil {
		panic(err)
	}
	LastFetchedSeqGauge, err = meter.Int64Gauge("oplogsync_last_fetched_seq",
		metric.WithDescription("Seq of the furthest fetched GTID"),
	)
	if err != nil {
		panic(err)
	}
	LastAppliedOpTsGauge, err = meter.Int64Gauge("oplogsync_last_applied_op_ts",
		metric.WithDescription("Unix timestamp of the most recently applied entry"),
		metric.WithUnit("s"),
	)
	if err != nil {
		panic(err)
	}
	FetchedOpsCounter, err = meter.Int64Counter("oplogsync_fetched_ops",
		metric.WithDescription("Entries pushed into the buffer"),
	)
	if err != nil {
		panic(err)
	}
	AppliedOpsCounter, err = meter.Int64Counter("oplogsync_applied_ops",
		metric.WithDescription("Entries applied to the local oplog"),
	)
	if err != nil {
		panic(err)
	}
	ReselectCounter, err = meter.Int64Counter("oplogsync_reselects",
		metric.WithDescription("Sync target reselections, by reason"),
	)
	if err != nil {
		panic(err)
	}
	ConflictCounter, err = meter.Int64Counter("oplogsync_conflicts",
		metric.WithDescription("Sync targets rejected by the rollback or staleness check"),
	)
	if err != nil {
		panic(err)
	}
}
