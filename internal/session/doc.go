// Package session owns the authenticated principal derived from the stored
// credential.
//
// The Manager starts in Loading, restores any stored credential once in Init,
// and from then on is either Authenticated or Anonymous. Every change of
// principal, and every newly installed credential, advances the epoch.
// Callers tag work with the epoch they saw and drop results once it has moved.
//
// Expire is the 401 path. It only acts when called with the current epoch, so
// several simultaneous 401 responses tear the session down once:
//
//	raw, epoch, _ := mgr.Bearer(ctx)
//	// ... request fails with 401 ...
//	if mgr.Expire(ctx, epoch) {
//	    // first to notice: notify and navigate
//	}
//
// Observers run synchronously and in transition order. The same transitions
// are published on the events bus as SessionChanged.
package session
