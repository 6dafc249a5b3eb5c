//go:build linux

package sink

import "syscall"

// syscallNonblock lets openPipeNonBlocking open the named pipe the way
// the original does: O_WRONLY|O_NONBLOCK, so opening with no reader
// attached yet fails immediately (ENXIO) instead of blocking the sink
// loop.
const syscallNonblock = syscall.O_NONBLOCK
