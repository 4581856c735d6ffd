//go:build !unix

package isolation

import (
	"os"
	"os/exec"
)

const groupKillSupported = false

func setProcessGroup(*exec.Cmd) {}

// signalGroup kills only the direct child where process groups are unavailable.
func signalGroup(p *os.Process, _ bool) error {
	return p.Kill()
}
