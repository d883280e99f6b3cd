/*
Package resilience provides per-host circuit breakers for outbound requests.

Extensions scrape third-party sites that go down often. A breaker per host
stops a failing site from tying up sandbox budgets: once it trips, calls to
that host fail immediately until the open timeout elapses, while other hosts
are unaffected. Breakers never retry.

# Usage

	group := resilience.NewGroup(resilience.Settings{
		Timeout: 30 * time.Second,
		ReadyToTrip: func(c resilience.Counts) bool {
			return c.ConsecutiveFailures >= 5
		},
	})

	err := group.Get(req.URL.Host).Execute(func() error {
		return doRequest()
	})

# States

	Closed --[failures]-> Open --[timeout]-> Half-Open --[successes]-> Closed
	                                           |
	                                       [failure]
	                                           v
	                                         Open
*/
package resilience
