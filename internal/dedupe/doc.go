// Package dedupe suppresses repeated operation acknowledgements within a time window.
//
// Agents retry acks when a response is lost, so the same (operation id, state) pair can
// arrive several times in a row. The ack processor marks each pair in a Cache and skips
// the store round trip for repeats; it forgets the pair again if applying it failed.
package dedupe
