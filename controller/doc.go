/*
Package controller is the app-process side of the view protocol. It assigns
request ids, correlates responses to waiters, and tags everything with the
view process generation so nothing produced under an old generation is ever
acted on after a respawn.

Requests issued while the view process is down are queued (bounded, oldest
dropped with a warning) and flushed in FIFO order on reconnect. On every
reconnect the controller first reissues open_window for all live windows, in
creation order, from their last known configuration; that replay is what lets
the rest of an application treat view process crashes as invisible.
*/
package controller
