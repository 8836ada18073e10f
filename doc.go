// Package egress routes an application's outbound traffic through a remote
// proxy gateway, per hostname, with rules that can change while traffic is
// flowing.
//
// A Client reads its connection from the control API, starts a local
// forward proxy and keeps the routing rules, session and geo targeting in
// sync. Hostnames matching the rules are tunneled through the gateway;
// everything else goes direct. Rule updates take effect on the next
// connection without restarting the proxy.
//
// Key features:
//   - Ordered hostname rules: exact, "*.example.com", ".example.com" and "*"
//   - Live updates via UpdateRules, UpdateSessionID and UpdateTargetGeo
//   - Background refresh with conditional requests
//   - Fail-open routing: internal errors never break a request
//   - Gateway mode for clients that can talk to the gateway directly
//
// Basic usage:
//
//	cfg := egress.DefaultConfig()
//	cfg.APIKey = os.Getenv("ALUVIA_API_KEY")
//	client, err := egress.NewClient(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	conn, err := client.Start(ctx)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer conn.Close(context.Background())
//
//	httpClient := &http.Client{Transport: &http.Transport{Proxy: conn.ProxyFunc()}}
package egress
