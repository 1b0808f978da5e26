// Package errors provides structured, coded error messages for packscripts.
//
// Every failure the CLI reports carries a registered code so that users can
// tell a broken configuration apart from a failed build or a port conflict:
//
//   - E120-E139: configuration (missing package.json, invalid port, unknown mode)
//   - E140-E159: build (compiler construction, bundler errors, emit failures)
//   - E160-E179: dev server (listener, watcher)
//   - E180-E199: publishing build output
//
// # Usage
//
//	err := errors.New("E122").
//	    WithDetail("PORT=\"abc\" is not a number").
//	    WithSuggestion("Set PORT to a value between 0 and 65535")
//
//	errors.PrintError(err)
package errors
