// Package srt feeds SRT publishers into the ingest registry. A Server
// accepts pushes in listener mode, keyed by the SRT stream id; a Caller
// pulls remote sources in caller mode on operator request. Either way the
// MPEG-TS payload is copied verbatim into the stream's pipe.
package srt
