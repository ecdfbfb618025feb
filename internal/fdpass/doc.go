// Package fdpass implements the descriptor channel: it hands one open file
// descriptor, plus an optional short token or JSON body, to a process
// listening on a local unix socket using SCM_RIGHTS ancillary data.
//
// Every Send opens a fresh connection, writes a single message and closes.
// There is no framing beyond that message. A listener is included for the
// developer receiver and for tests.
package fdpass
