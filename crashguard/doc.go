/*
Package crashguard implements the watchdog that sits beside the app process.
It is deliberately minimal: it holds a pid to poll, a one-shot socket to
receive a final diagnostic payload, and a directory to write crash reports
into. None of that depends on the app process or the view process staying
alive, which is the whole point.

A controlled unwind in the app sends its stack over the socket before dying;
a hard crash sends nothing and the guard records what it can. A clean
shutdown sends a goodbye so no report is written. The guard can optionally
relaunch the app with an environment flag telling the new instance the
previous run crashed.
*/
package crashguard
