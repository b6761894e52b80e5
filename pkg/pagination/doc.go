// Package pagination drives the cursor-based page loop for one entity.
//
// The upstream only reveals the next cursor in the response to the current
// page, so a single entity is fetched strictly in sequence. Concurrency
// happens across entities and is bounded by the shared admission gate in
// package ratelimit.
//
// Example usage:
//
//	driver, err := pagination.NewDriver(pagination.DefaultConfig(), pagination.Deps{
//		Builder: query.NewBuilder(queryCfg),
//		Cache:   cache.New(cache.DefaultConfig()),
//		Retry:   client.NewRetryPolicy(client.DefaultRetryConfig()),
//		Fetcher: upstream,
//	})
//	result, err := driver.Drive(ctx, filter, 0)
//
// The driver:
//   - Checks cancellation and the crawl deadline before every page
//   - Serves pages from the cache when possible
//   - Retries transient upstream failures through the retry policy
//   - Stops on an empty cursor, a record limit or a repeated cursor
//   - Fails when the page budget runs out while more pages exist
package pagination
