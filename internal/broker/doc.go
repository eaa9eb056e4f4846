// Package broker services the requests a running guest makes of its host.
//
// Each execution gets one CallbackBroker, one NetworkBroker and one Collector,
// each running on its own goroutine and fed by a channel. Closing a channel is
// the broker's signal to stop accepting work; a broker always drains what it
// already accepted before returning, so no reply is dropped.
//
//	callbacks := make(chan types.CallbackRequest, 64)
//	var g errgroup.Group
//	g.Go(func() error { count = cb.Run(ctx, callbacks); return nil })
//	... run guest ...
//	close(callbacks)
//	_ = g.Wait()
package broker
