/*
Package events implements the event taxonomy of spec.md §4.10: a
non-blocking, buffered-channel pub/sub broker, generic over the event
payload type, plus the two concrete taxonomies that ride on it —
ClientEvent (six kinds, observed per client process) and ServerEvent
(three kinds, observed per server process, for operators).

Publish never blocks on a subscriber: a subscriber with a full buffer
misses the event rather than stalling the publisher. Publish does wait
while the broker's own intake buffer is full.
*/
package events
