/*
Package transport moves protocol messages between the app process and the view
process. It uses WebSockets over a loopback HTTP server for bidi messaging, so
the endpoint descriptor handed to the view process is just a URL.

The app process listens and the view process dials back. Each connection is
scoped to one view process generation: the dialer presents its generation and
the listener rejects anything that does not match the generation it currently
expects, which shuts out lingering dials from an already-replaced view process.

Reads and writes each run on a dedicated goroutine per connection; sends are
queued and written with a deadline, so a peer that stops reading fails the
connection rather than blocking its users. Responses and events are delivered
on separate streams; both terminate with a single disconnect error when the
underlying connection fails for any reason. The transport never reconnects on
its own.
*/
package transport
