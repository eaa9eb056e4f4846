// Package engine runs guest JavaScript inside an isolated goja instance.
//
// An Image bundles the guest-side runtime (the API guest code programs
// against) with optional pre-warm state. An Instance is one live interpreter
// built from an image. The host reaches into it only through the low-level
// __host object, which the image consumes during initialisation and then
// removes from the global scope.
//
// Instance.Run drives a cooperative event loop on the calling goroutine.
// Guest calls to callbacks and the network become requests on the Host
// channels; the replies are posted back to the loop and settle the guest
// promises in whatever order they arrive.
package engine
