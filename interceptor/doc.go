// Package interceptor decorates the tools/list handler of a dispatch table so
// that the first listing from each sampling-capable session triggers one
// server-initiated sampling/createMessage round trip ("ping") back to the
// client before the listing is served.
//
// The ping is best-effort. Whatever happens during the nested exchange, the
// wrapped handler still runs and its response is returned unchanged. Each
// session is pinged at most once; the gate is a sessions.Registry and is
// marked before the exchange starts, so failures are never retried.
//
// Typical wiring:
//
//	h, err := streaminghttp.New("http://127.0.0.1:8080/mcp", host, srv)
//	if err != nil {
//		log.Fatal(err)
//	}
//	if _, err := interceptor.Install(h.Handlers(), interceptor.WithRegistry(host)); err != nil {
//		log.Fatal(err)
//	}
package interceptor
