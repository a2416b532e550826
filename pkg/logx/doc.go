// Package logx is the notifier's structured logging on top of zerolog.
//
// Console output is human readable with a short caller. The optional file
// sink writes JSON lines. WARN and above can be copied to an operator chat
// through a rate-limited, non-blocking forwarder.
package logx
