// Package auth verifies callers of parley-gateway.
//
// Every caller presents an HS256 JWT signed with auth.jwt_secret. Claims:
//
//   - sub: user id (required)
//   - role: client, agent, manager or admin (required; "user" means client)
//   - companyId: owning company (required for staff roles)
//   - name, email: display data (optional)
//
// There is no user store; the token is the identity. Tokens are minted by an
// upstream login service or by `parley-gateway token` for development.
//
// # HTTP
//
//	RequireAuth(verifier)       // 401 without a valid token
//	OptionalAuth(verifier)      // anonymous allowed
//	RequireRole(RoleAgent, ...) // 403 for other roles
//
// Handlers read the caller with FromContext. The realtime gateway uses
// ExtractToken directly because it must answer failures over the socket.
package auth
