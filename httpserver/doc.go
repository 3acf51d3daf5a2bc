/*
Package httpserver runs the metadata server.

It mounts an api/metadatahandler.Handler together with the operational
endpoints used by load balancers and operators:

  - GET /livez   - liveness, always 200 while the process serves requests
  - GET /readyz  - readiness, 503 while draining
  - GET /drain   - mark the server not ready
  - GET /undrain - mark the server ready again
  - /debug/*     - pprof, when HTTPServerConfig.EnablePprof is set

Every request is logged through the flashbots go-utils slog middleware.

Usage:

	handler := metadatahandler.NewHandler(store, logger)
	srv, err := httpserver.New(cfg, handler)
	if err != nil {
		return err
	}
	srv.RunInBackground()
	<-ctx.Done()
	srv.Shutdown()
*/
package httpserver
