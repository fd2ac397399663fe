// Package utils provides shared low-level helpers: a JSON-over-HTTP POST
// helper for model providers ([DoPostSync]), lenient JSON decoding for
// configuration ([ParseLenientJSON]), small value and string helpers, and
// an elapsed-time [Timer] with an injectable clock.
package utils
