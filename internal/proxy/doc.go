// Package proxy is an HTTP client for the local desktop data proxy.
//
// It discovers the proxy port, performs the application handshake and
// submits data requests through the UDF endpoint, transparently
// following the proxy's ticket-polling protocol for long-running
// requests.
package proxy
