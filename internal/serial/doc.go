// Package serial converts arbitrary values into transport-safe payloads
// and back.
//
// Serialization is classify-then-recurse: every value is first classified
// into one of a closed set of kinds (nil, primitive, function, transferable
// blob, array, record, opaque) and each kind has exactly one handling rule.
// Functions are tokenized through a TokenTable and replaced by a small
// tagged record; blobs are collected into a transfer list and left in place;
// cycles are detected with a per-pass identity set and replaced by nil;
// nesting past the depth limit fails the whole call.
//
// Deserialization is the mirror traversal: function-token records become
// live proxies supplied by the rehydrate callback, everything else passes
// through or is rebuilt recursively.
package serial
