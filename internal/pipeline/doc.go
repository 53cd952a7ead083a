// Package pipeline drives one processing cycle per detection frame:
// calibration, extraction, tracking, distance resolution, movement
// classification, payload validation and the hand-off to the publisher.
//
// The cycle runs synchronously on the caller's goroutine and never waits on
// the network; the publisher's worker owns delivery. After every cycle a
// read-only Snapshot is stored and pushed to subscribers.
package pipeline
