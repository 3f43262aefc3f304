// Package browser owns the headless-browser session against the registry:
// the Chrome driver, the entry-check (CAPTCHA block) resolution loop, and
// navigation to the search form. Page interaction goes through the Driver
// interface so the state machines are testable with a fake page.
package browser
