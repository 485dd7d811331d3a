// Package srt implements SRT (Secure Reliable Transport) ingest, including
// both listener-mode (Server) for accepting incoming publish connections and
// caller-mode (Pull) for pulling a stream from a remote SRT source.
package srt
