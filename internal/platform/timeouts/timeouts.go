// Package timeouts defines shared timeout constants used across the client
// runtime. Centralizing these values prevents drift between boundaries and
// makes the durations discoverable.
package timeouts

import "time"

// APIRequest caps the time allowed for a single REST call to the platform
// API, including the refresh-and-retry path on an expired session.
const APIRequest = 10 * time.Second

// PushDial caps the wait time when dialing the push gateway.
const PushDial = 5 * time.Second

// PushWrite caps a single outbound frame write so a stalled connection
// cannot wedge the subscription queue.
const PushWrite = 5 * time.Second

// WatchRegister caps the background join-and-increment work started by a
// watch. The watch itself never waits on it.
const WatchRegister = 10 * time.Second

// ReadHeader limits how long the local metrics listener waits for request
// headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long the runtime waits for in-flight work during
// graceful shutdown.
const Shutdown = 5 * time.Second
