package util

import (
	"context"
	"reflect"

	"github.com/filecoin-project/lotus/api"
	"go.opencensus.io/tag"

	"github.com/ericyoungson/machinomy/metrics"
)

// MetricedFullNode times every full node call under the chain call view.
func MetricedFullNode(node api.FullNode) api.FullNode {
	var out api.FullNodeStruct
	proxy(node, &out.Internal)
	proxy(node, &out.CommonStruct.Internal)
	proxy(node, &out.NetStruct.Internal)
	return &out
}

func proxy(in interface{}, out interface{}) {
	rint := reflect.ValueOf(out).Elem()
	ra := reflect.ValueOf(in)

	for f := 0; f < rint.NumField(); f++ {
		field := rint.Type().Field(f)
		fn := ra.MethodByName(field.Name)

		rint.Field(f).Set(reflect.MakeFunc(field.Type, func(args []reflect.Value) (results []reflect.Value) {
			ctx := args[0].Interface().(context.Context)
			ctx, _ = tag.New(ctx, tag.Upsert(metrics.Endpoint, field.Name))
			stop := metrics.Timer(ctx, metrics.ChainCallDuration)
			defer stop()
			args[0] = reflect.ValueOf(ctx)
			return fn.Call(args)
		}))
	}
}
