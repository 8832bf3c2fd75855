// Package console assembles the spendsense core.
//
//	c, err := console.New(cfg, console.WithNotifier(n), console.WithNavigator(nav))
//	if err != nil { ... }
//	defer c.Teardown()
//	if err := c.Init(ctx); err != nil { ... }
//	profile, err := c.API.Profile(ctx, "usr_1", "30")
//
// The cache is registered as a session observer so it empties whenever the
// session leaves Authenticated or changes principal.
package console
