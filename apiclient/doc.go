// Package apiclient is the authenticated HTTP client of the console.
//
// Client is the transport used by every feature: it attaches the stored
// access token as a bearer credential, and when the server answers 401 it
// refreshes the access token once through AuthClient and reissues the
// request. AuthClient talks to the session endpoints only; it never reads
// the stored access token and is never wrapped by the refresh logic, so a
// refresh can not recurse.
//
// Failures that can not be fixed by a refresh are returned as
// *UnrecoverableError (matching ErrUnrecoverable). A Redirector turns that
// classification into a navigation to the login entry point.
package apiclient
