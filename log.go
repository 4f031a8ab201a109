package wikisync

import (
	"github.com/golang/glog"
)

// Logging convention in the `wikisync` package:
// Info:
//     essential events for abnormal behavior. This level should be silent on normal operation,
//     with the exception of one time (infrequent) initialization data that is useful for monitoring
//     this includes:
//     - send failures and poll give-up
//     - aborted session activation
// Error:
//     unrecoverable crash details
//     this includes:
//     - unexpected panics even if handled and suppressed for partial operation
// V(1):
//     session lifecycle events with ids that can be used to filter
// V(2):
//     frequent events - e.g. per-message send, apply, poll, fingerprint broadcast

// all listener callbacks are wrapped to recover from errors,
// so a bad listener cannot take down the session
func callSafe(tag string, c func()) {
	defer func() {
		if r := recover(); r != nil {
			glog.Errorf("%s recovered from callback panic = %v\n", tag, r)
		}
	}()
	c()
}
