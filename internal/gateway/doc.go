// Package gateway wraps every outbound call to the SpendSense backend.
//
// # Credential Handling
//
// Before dispatch the gateway takes one snapshot of the stored credential and
// the session epoch. The credential is sent as:
//
//	Authorization: Bearer <token>
//
// Calls without a credential (login, signup) are legal and sent bare.
//
// # Classification
//
// Non-2xx responses become *Error values:
//
//   - 401: KindExpired. Tears the session down, shows "session expired" and
//     navigates to the login route. Concurrent 401s for the same epoch act once.
//   - 403: KindForbidden, subtyped by Request.ForbiddenAs into consent-required
//     or role-denied. Never tears the session down.
//   - 404: KindNotFound
//   - 5xx: KindServerFault
//   - no status: KindUnreachable
//
// Everything except expiry shows a generic notification unless the kind is
// listed in Request.Suppress. Messages come from the body's detail or error
// field, else "request failed with status N".
//
//	resp, err := gw.Call(ctx, gateway.Request{Path: "/profile/usr_1"})
//	if errors.Is(err, gateway.ErrConsentRequired) {
//	    // show the consent prompt
//	}
package gateway
