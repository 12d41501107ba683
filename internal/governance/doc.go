// Package governance holds the retry and backoff controls shared by every
// client that talks to the composed services. Containers come up in an
// arbitrary order behind their dependency edges, so callers poll and retry
// instead of failing on the first refused connection.
package governance
