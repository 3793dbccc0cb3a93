// Package ticketauth implements the credential and session lifecycle for the
// ticket-bro platform: registration, password login with lockout, refresh
// token rotation with a per-account session cap, two-factor login, and the
// single-use token flows behind email verification and password reset.
//
// The engine owns no transport. HTTP routing, request validation and rate
// limiting sit upstream; outbound mail is delivered through the [Mailer]
// collaborator and mail failures never fail an auth operation.
//
// All state lives in Redis. Session records, verification tokens and login
// challenges expire through key TTLs; every cross-request invariant (session
// cap, single-use rotation, single-use token consumption, lockout counters)
// is enforced with Lua compare-and-swap scripts or WATCH transactions rather
// than read-modify-write in Go.
//
// Construction goes through [Builder]:
//
//	engine, err := ticketauth.New().
//		WithConfig(cfg).
//		WithRedis(rdb).
//		WithMailer(mailer).
//		Build()
package ticketauth
