//go:build !unix

package sandbox

import "os/exec"

// configureProcessGroup keeps the default cancellation, which kills only
// the direct child on platforms without process groups.
func configureProcessGroup(cmd *exec.Cmd) {}
