// Package crawler implements the per-source crawl contract: it owns a source's
// time zone, publication schedule and history window, resolves requested dates
// to crawlable ones, and drives the source's recipe through a per-run fetch
// session.
package crawler
