// Package config resolves the configuration for a packscripts invocation.
//
// Configuration is assembled in layers, later layers winning:
//
//  1. built-in defaults (New)
//  2. the mode overlay (development or production)
//  3. an optional packscripts.yaml / packscripts.json in the project root or
//     in $XDG_CONFIG_HOME/packscripts
//  4. environment: NODE_ENV, HOST, PORT
//  5. command-line flags bound by the command
//
// Project metadata (name, version, license, author) always comes from
// package.json, which must exist in the project root.
//
// # Configuration File Structure
//
//	entry:
//	  - src/index.tsx
//	output:
//	  path: dist
//	  publicPath: /
//	dev:
//	  port: 3000
//	  heartbeat: 2s
//	build:
//	  compression: [gzip, br]
//	publish:
//	  bucket: my-site
//
// # Usage
//
//	cfg, err := config.Load(config.LoadOptions{Dir: ".", Mode: config.ModeProduction})
//	if err != nil {
//	    return err
//	}
//
//	fmt.Println("Output:", cfg.OutputPath())
package config
