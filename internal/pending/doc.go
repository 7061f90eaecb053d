// Package pending correlates asynchronous replies with the requests that
// asked for them.
//
// A Correlator hands out Request futures. Each one starts pending and is
// settled exactly once: resolved with a value, rejected with an error, or
// canceled in bulk when its session or owning connection goes away. There is
// no timeout inside the correlator; callers race Wait against their own
// context and Reject on expiry.
package pending
