// Package dev provides the development server.
//
// A Server owns one in-memory compiler kept fresh by its watch loop and
// answers requests through a Pipeline of two stages:
//
//   - assets: waits for a valid build, then serves the requested output
//   - hot: holds the event stream that tells browsers about rebuilds
//
// Requests neither stage handles get a 404. The websocket transport and
// the prometheus endpoint are routed beside the pipeline.
//
// # Lifecycle
//
//	Starting -> Listening -> ShuttingDown -> Terminated
//
// Start binds exactly one listener and blocks until its context is done;
// Stop may be called from any goroutine and is idempotent.
//
// # Usage
//
//	srv, err := dev.NewServer(dev.ServerOptions{Config: cfg})
//	if err != nil {
//	    return err
//	}
//
//	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
//	defer stop()
//
//	return srv.Start(ctx)
package dev
