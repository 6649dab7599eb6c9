package natskv

import "time"

// timeNow supplies LastModifiedTime for written records. It is a package
// variable so the clock can be replaced; the package's tests use the real
// clock.
var timeNow = time.Now
