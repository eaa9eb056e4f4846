/*
Package tracing provides lightweight request tracing.

Each HTTP request gets a trace ID, taken from the X-Request-ID header when
the caller supplies a UUID or a req_ ID, and generated otherwise. The ID is
echoed in the response. Spans for requests and sandbox executions are
logged by a background collector.

# Usage

	tracer := tracing.New("enclave", logger)
	defer tracer.Close()

	router.Use(tracing.HTTPMiddleware(tracer))

	span, ctx := tracer.StartSpan(ctx, "session.execute")
	span.SetTag("session.id", sid)
	res, err := sess.Execute(ctx, code)
	span.End(err)

A nil *Tracer hands out nil spans, and every Span method is a no-op on nil.
*/
package tracing
