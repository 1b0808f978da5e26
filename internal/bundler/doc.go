// Package bundler drives esbuild for packscripts.
//
// A Compiler wraps one esbuild build context. Each Run produces Stats and,
// when the bundler reports no errors, runs the emitter chain:
//
//	clean -> outputs -> html -> copy -> manifest -> compress
//
// Development builds are written to a fresh in-memory filesystem that
// replaces the served one only when the build succeeds, so a broken edit
// never takes the last good build offline. Production builds are written
// under the configured output directory.
//
// Watch polls the source tree and serializes rebuilds; changes that land
// while a build is running produce exactly one follow-up build. Subscribe
// exposes build start and completion to the dev server's hot channel, and
// Wait lets request handlers block until the current build is usable.
package bundler
