// Package proxy implements the local forward proxy that routes each
// outbound connection either directly or through an authenticated upstream
// gateway. Routing follows an ordered hostname rule set held in a Store,
// which may be replaced at any time while the Engine is serving. Most users
// should use the top-level egress package, which keeps the Store in sync
// with the remote control API and manages the Engine lifecycle.
package proxy
