// Package crawler walks a fixed three-level file index (region roots,
// subregion pages, file tables) with bounded concurrency and aggregates the
// archive URLs it finds. It also defines the link, fetch, and error types
// shared by the index client and the retrieval pipeline.
package crawler
