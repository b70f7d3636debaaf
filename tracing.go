package qconn

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// tracer is grounded on vango's dependency on go.opentelemetry.io/otel;
// this connection core uses it for two spans: one per run() round trip
// and one per cursor batch fetch, each tagged with the token and the
// conn_id generation that issued it.
var tracer = otel.Tracer("github.com/flowbase/qconn")

func startRunSpan(ctx context.Context, token uint64, connID uint64) (context.Context, trace.Span) {
	return tracer.Start(ctx, "qconn.run",
		trace.WithAttributes(
			attribute.Int64("qconn.token", int64(token)),
			attribute.Int64("qconn.conn_id", int64(connID)),
		),
	)
}

func startCursorBatchSpan(ctx context.Context, token uint64, connID uint64) (context.Context, trace.Span) {
	return tracer.Start(ctx, "qconn.cursor_batch",
		trace.WithAttributes(
			attribute.Int64("qconn.token", int64(token)),
			attribute.Int64("qconn.conn_id", int64(connID)),
		),
	)
}
