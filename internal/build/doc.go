// Package build runs a one-shot production build.
//
// A build is, in order:
//   - an optional type check (tsc --noEmit)
//   - one bundler run with the production emitter chain
//   - an optional upload of the output directory
//
// # Usage
//
//	builder := build.New(cfg, build.Options{})
//	result, err := builder.Build(ctx)
//	if result != nil && result.Stats != nil {
//	    fmt.Println(result.Stats.String(bundler.StatsOptions{Colors: true}))
//	}
//	if err != nil {
//	    return err
//	}
//
// # Output Structure
//
//	dist/
//	├── index.html
//	├── manifest.json        # entry name -> hashed file
//	├── js/
//	│   ├── index.3f2a9c.js
//	│   ├── index.3f2a9c.js.gz
//	│   ├── index.3f2a9c.js.br
//	│   └── index.3f2a9c.css
//	└── images/              # images over the inline limit
package build
