/*
The sync package implements the client side of the collection sync
algorithm. It turns the server's listing and the client's record of the last
successful sync into a plan, and then applies the plan to the collection's
prefix directory.

A session goes through these steps:
1) Plan -- Decide which listed entries need their contents fetched, which
   only need their owner, mode or timestamps refreshed, and which entries
   from the last sync were removed on the server.
2) Receive -- Install each entry the server sends. Regular files are written
   to a temporary file and renamed onto the target, so an interrupted
   transfer leaves either the old file or nothing, never a partial file.
3) Hooks -- Run the commands attached to the entries that were installed.
4) Delete -- Remove the entries that were removed on the server, deepest
   first, so that directories are only removed once they're empty.
5) NextLast -- Build the listing that's persisted as the new baseline.

Failures that only affect a single entry are recorded as Problems rather
than aborting the session.
*/
package sync
