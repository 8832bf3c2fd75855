// Package api exposes the SpendSense backend as typed calls.
//
// Resource reads (profile, recommendations, transactions, users) go through
// the consent cache. Login and signup are sent without a credential and
// install the returned token in the session. Consent changes are applied to
// the cache only after the backend acknowledges them.
package api
