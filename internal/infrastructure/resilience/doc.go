/*
Package resilience provides the circuit breaker used around outbound host
calls.

# States

	Closed --[ReadyToTrip]-> Open --[Timeout]-> Half-Open --[MaxRequests successes]-> Closed
	                                              |
	                                          [failure]
	                                              v
	                                            Open

# Usage

	hosts := resilience.NewGroup("fetch", resilience.Settings{
		MaxRequests: 2,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(c resilience.Counts) bool {
			return c.ConsecutiveFailures >= 5
		},
	}, 0)

	resp, err := resilience.Call(hosts.Get(host), func() (*resty.Response, error) {
		return req.Execute(method, url)
	})

A Group keeps one breaker per key so a failing host does not trip requests
to healthy ones. Settings.IsFailure lets callers exclude errors, such as
cancellation, that say nothing about the remote side.
*/
package resilience
