// Package coap carries the C2 protocol over CoAP on UDP.
//
// Payloads may be JSON or CBOR; CBOR is transcoded to JSON before it reaches the
// protocol and the response is encoded back in the request's content format.
package coap
