// Package crawler implements the polite, depth-bounded crawl engine.
//
// An Engine validates a root URL, consults before-request hooks and the
// allowed-domain guard, then walks same-host links depth first. Every page is
// checked against the host's robots.txt, fetched, parsed for its title and
// meta tags, and handed to after-request hooks. Links to other hosts are not
// fetched; their scheme and host are announced through a Publisher so that
// another worker can start a run rooted there.
//
// Depth is tracked per run in a bounded LRU frontier. The root sits at depth
// 0, each followed link one deeper than the page that referenced it, and a
// link to a URL already in the frontier counts as a rediscovery that bumps
// its depth instead of fetching it again.
package crawler
