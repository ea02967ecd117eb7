// Package publisher publishes text to one of several paste services, falling
// over to the next service when one fails.
//
// # Quick Start
//
//	p := publisher.New("Hello, World!")
//	defer p.Close()
//
//	if err := p.Publish(ctx); err != nil {
//		log.Fatal(err) // malformed response, cancelled context, ...
//	}
//	if !p.OK() {
//		log.Fatal("Failed to reach Pastebin Service")
//	}
//	fmt.Println(p.ViewLink(), p.RawLink())
//
// # Backends
//
// Three backends are supported: dogbin (-d), nekobin (-n) and hastebin (-h).
// Publish starts at dogbin and moves through the fixed cycle
// dogbin, nekobin, hastebin, dogbin, ... consuming one unit of RetryBudget per
// failed backend. A failed backend is one that answers with the wrong status
// or cannot be connected to. Any other failure stops the protocol.
//
// # Pinning a Backend
//
// PublishVia and PublishTo call exactly one backend and never fail over:
//
//	err := p.PublishVia(ctx, "-n")
//	if publisher.IsUnknownBackend(err) {
//		// not one of -d, -n, -h
//	}
//
// # Link Resolution
//
// ViewLink and RawLink look at dogbin, nekobin and hastebin in that order and
// use the first one holding a key. When nothing was published both return NoLink.
package publisher
