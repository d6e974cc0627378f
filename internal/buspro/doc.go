// Package buspro speaks the HDL Buspro protocol over UDP: telegram
// encoding and decoding for both the HDLMIRACLE and raw bus framings,
// request/reply correlation with wildcard matching, subnet discovery,
// periodic status polling and per-channel event dispatch.
//
// Gateway is the entry point; the other types are its building blocks
// and are usable on their own in tests.
package buspro
