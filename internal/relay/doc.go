// Package relay implements the tunnel relay's UDP receive loop: parsing each
// datagram's header, applying the hostile-source filter and ping/maintenance
// dispatch, and admitting/forwarding under the client table lock.
package relay
