// Package auth guards the operator API with HS256 JWT bearer tokens.
//
// Tokens carry a "sub" claim naming the operator and an optional "role" claim,
// either "viewer" (read only, the default) or "operator" (may enqueue and cancel
// operations). The signing secret comes from auth.jwt_secret and must be at least
// MinSecretLength bytes.
//
// Agent-facing C2 endpoints are not authenticated here.
//
//	verifier, err := auth.NewJWTVerifier(secret)
//	api := e.Group("/api", auth.RequireToken(verifier))
//	api.POST("/operations", h.Enqueue, auth.RequireOperator())
package auth
