// Package httpc2 carries the C2 protocol over HTTP with echo.
//
// Agents POST JSON to /c2/api/heartbeat and /c2/api/acknowledge. A heartbeat answers
// 200 with the response document, an acknowledgement answers 204. Incomplete results
// answer 206 and server faults answer 500 with an {"error": ...} body.
package httpc2
