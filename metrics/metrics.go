package metrics

import (
	"context"
	"time"

	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/tag"
)

var (
	Endpoint = tag.MustNewKey("endpoint")
	Outcome  = tag.MustNewKey("outcome")
	Path     = tag.MustNewKey("path")
)

var (
	ChannelsOpened    = stats.Int64("paych/channels_opened", "Channels confirmed open on chain", stats.UnitDimensionless)
	PaymentsMinted    = stats.Int64("paych/payments_minted", "Payments minted by the sender", stats.UnitDimensionless)
	PaymentsCommitted = stats.Int64("paych/payments_committed", "Payments committed after delivery", stats.UnitDimensionless)
	PaymentsAccepted  = stats.Int64("paych/payments_accepted", "Payments accepted by the payee", stats.UnitDimensionless)
	PaymentsRejected  = stats.Int64("paych/payments_rejected", "Payments rejected by the payee", stats.UnitDimensionless)
	ChannelCloses     = stats.Int64("paych/channel_closes", "Channel close transitions", stats.UnitDimensionless)
	ChainCallDuration = stats.Float64("paych/chain_call_ms", "Duration of chain calls", stats.UnitMilliseconds)
)

var defaultMillisecondsDistribution = view.Distribution(1, 5, 10, 50, 100, 500, 1000, 5000, 10000, 30000, 60000, 300000)

var (
	ChannelsOpenedView = &view.View{
		Measure:     ChannelsOpened,
		Aggregation: view.Count(),
	}
	PaymentsMintedView = &view.View{
		Measure:     PaymentsMinted,
		Aggregation: view.Count(),
	}
	PaymentsCommittedView = &view.View{
		Measure:     PaymentsCommitted,
		Aggregation: view.Count(),
		TagKeys:     []tag.Key{Outcome},
	}
	PaymentsAcceptedView = &view.View{
		Measure:     PaymentsAccepted,
		Aggregation: view.Count(),
	}
	PaymentsRejectedView = &view.View{
		Measure:     PaymentsRejected,
		Aggregation: view.Count(),
		TagKeys:     []tag.Key{Outcome},
	}
	ChannelClosesView = &view.View{
		Measure:     ChannelCloses,
		Aggregation: view.Count(),
		TagKeys:     []tag.Key{Path},
	}
	ChainCallDurationView = &view.View{
		Measure:     ChainCallDuration,
		Aggregation: defaultMillisecondsDistribution,
		TagKeys:     []tag.Key{Endpoint},
	}
)

var DefaultViews = []*view.View{
	ChannelsOpenedView,
	PaymentsMintedView,
	PaymentsCommittedView,
	PaymentsAcceptedView,
	PaymentsRejectedView,
	ChannelClosesView,
	ChainCallDurationView,
}

func Count(ctx context.Context, m *stats.Int64Measure, mutators ...tag.Mutator) {
	_ = stats.RecordWithTags(ctx, mutators, m.M(1))
}

// Timer records the time until the returned func is called.
func Timer(ctx context.Context, m *stats.Float64Measure) func() {
	start := time.Now()
	return func() {
		stats.Record(ctx, m.M(float64(time.Since(start).Nanoseconds())/1e6))
	}
}
