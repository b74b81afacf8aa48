// Package guard tracks the liveness of one signed-in session.
//
// A Guard is armed when a session starts. After TotalTimeout-WarningLead
// of inactivity it enters the warning phase and counts the remaining time
// down once per CountdownInterval; after TotalTimeout it expires and
// signs the session out. Recorded activity during the warning phase, or
// an explicit ExtendSession, re-arms the guard from the current time.
//
// Activity recorded while armed only moves the last-activity timestamp.
// The warning timer compares against that timestamp when it fires and
// reschedules itself if the inactivity threshold has not really been
// reached, so the effective deadline can trail the last real activity by
// up to ActivityDebounce.
//
// Timer callbacks run on their own goroutines. Every mutation happens
// under one mutex and every arm cycle carries a generation number;
// callbacks belonging to an older cycle are ignored.
package guard
