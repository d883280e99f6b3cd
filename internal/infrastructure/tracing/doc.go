/*
Package tracing provides lightweight request and invocation spans.

Spans carry a trace id across an API request and the extension invocations
it triggers. Finished spans are written to the zap log by a single collector
goroutine: failed or slow spans at warn, the rest at debug.

# Usage

	tracer := tracing.New("streambox", logger, time.Second)
	defer tracer.Close()

	router.Use(tracing.HTTPMiddleware(tracer))

	span, ctx := tracer.StartSpan(ctx, "invoke getPosts")
	span.SetTag("extension", id)
	result, err := pool.Invoke(ctx, id, "getPosts", filter, page)
	tracer.End(span, err)

A nil *Tracer is valid: spans are created but never collected.
*/
package tracing
