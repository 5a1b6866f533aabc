/*
Package protocol defines the messages exchanged between the app process and the
view process. It uses a single envelope for bidi messaging so the transport only
needs to move one message type in each direction.

There are four message kinds: "request" messages are sent app->view, "response"
messages are sent view->app and echo the request id, "event" messages are
unsolicited view->app notifications, and "extension" messages are opaque
payloads routed to named handlers on either side.

Every message carries the generation of the view process it was produced under.
A receiver whose current generation differs must discard the message; the only
exception is the ready event a freshly spawned view process sends to complete
the handshake for its own (new) generation.
*/
package protocol
