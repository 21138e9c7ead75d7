// Package crawler contains the core crawl engine: the frontier scheduler,
// robots policy gate, URL normalization, change tracking, run status, and the
// interfaces every provider implements. Concrete providers (fetchers, source
// adapters, caches, index writers, embedding dispatchers) live in sibling
// packages and depend only on the types defined here.
package crawler
