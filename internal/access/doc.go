// Package access decides whether a route may render for the current session.
//
// Decisions are pure: the same session.State and required role always give
// the same Decision. Callers render a loading indicator for Pending, the page
// for Allow, and navigate to Decision.Path for Redirect.
package access
