// Package comics defines the domain model shared by the crawl-and-ingest
// pipeline: comics, releases, images, the transient crawl results that flow
// from recipes to the downloader, the ports implemented by storage and
// transport adapters, and the error taxonomy used to classify work-unit
// failures.
package comics
