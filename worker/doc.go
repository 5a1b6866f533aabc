/*
Package worker is the view-process side of the protocol. It connects back to
the app process, announces itself with a ready event, and then runs a dispatch
loop: read one request, execute it against the native backend, write exactly
one response with the same request id.

Long-running work never holds the loop. A render request is acknowledged
immediately and its completion reported later as a frame_rendered event, so a
slow frame cannot starve pings or other windows.

Backend failures while executing a request are returned inside the response.
Only a fault in the native surface itself (driver crash, segfault) takes the
process down, and that is the supervisor's problem, not the protocol's.
*/
package worker
