//go:build !unix

package fetcher

import "os/exec"

func setProcessGroup(cmd *exec.Cmd) {}
