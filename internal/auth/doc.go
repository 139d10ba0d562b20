// Package auth implements the authentication gate that sits in front of every
// state-mutating route.
//
// # Gate
//
// A request starts Unverified. It becomes Verified when its Authorization
// header carries a bearer token the configured TokenVerifier accepts:
//
//	Authorization: Bearer <jwt>
//
// Gate.Middleware rejects everything else with 401 and a structured
// {"error":{"code":"Unauthorized",...}} body; verified requests are forwarded
// untouched with an AuthContext attached (see FromContext). The gate never
// mutates conversation state.
//
// # Tokens
//
// JWTVerifier checks HS256 signatures, expiry, and optionally issuer and
// audience. Tokens minted by the start-conversation endpoint carry a "conv"
// claim that scopes them to one conversation; AuthContext.CanAccess enforces
// that scope once the conversation is resolved.
//
// # Open Mode
//
// NewGate(nil, logger) builds an open gate that verifies every request as an
// anonymous caller. The gateway uses it when no jwt_secret is configured.
package auth
