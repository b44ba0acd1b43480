/*
Package events covers the two ways a feature's execution events (spec §3)
reach a consumer outside the state document itself.

Broker is an in-process publish/subscribe bus: callers Publish
ExecutionEvents, and any number of subscribers drain it concurrently through
a buffered channel each. A slow or stalled subscriber drops events rather
than blocking the publisher. The run command creates and starts a Broker;
no component in this module publishes to it.

TailStore is the durable complement. A feature's state document caps its
own event log at a fixed size (pkg/store's maxEventTail); once that cap is
reached, the oldest entries are handed to a Root's event-spill hook rather
than silently discarded. Wiring that hook to a TailStore keeps every event
queryable — one bbolt bucket per feature, sequence-keyed so Tail can read
backward from the newest entry without scanning the whole bucket.
*/
package events
