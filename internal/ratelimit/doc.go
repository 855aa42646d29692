// Package ratelimit provides per-identity request admission over rolling
// minute and hour windows, with background eviction of idle identities.
//
// This is a single-instance, in-memory limiter intended to keep one chat
// user (or an operator leaning on the simulate button) from flooding the
// bot pipeline. It is not shared between instances and does not protect
// against abuse spread across many identities; upstream filtering still
// applies for that.
package ratelimit
