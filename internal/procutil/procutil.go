// Package procutil inspects local processes for session ownership decisions.
// Its checks err on the side of "alive": a pid that cannot be classified is
// reported as running so cleanup never destroys state for a live session.
package procutil

import (
	"errors"
	"os"
	"strings"
	"syscall"

	"github.com/shirou/gopsutil/v3/process"
)

// ErrClaudeNotFound is returned when no claude binary appears in the
// process ancestry.
var ErrClaudeNotFound = errors.New("claude process not found in parent tree")

// IsProcessRunning reports whether a process with pid exists. A permission
// error still means the process exists.
func IsProcessRunning(pid int32) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(int(pid))
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}

// isClaudeCommand matches the claude binary by name or command line.
func isClaudeCommand(name string, cmdline []string) bool {
	if name == "claude" {
		return true
	}
	joined := strings.ToLower(strings.Join(cmdline, " "))
	if joined == "claude" || strings.HasPrefix(joined, "claude ") {
		return true
	}
	return len(cmdline) > 0 && strings.HasSuffix(cmdline[0], "/claude")
}

// IsClaudeProcess reports whether pid looks like a claude client process.
// A missing process is definitely not claude; any other failure to inspect
// it returns true so an uncertain check never triggers cleanup.
func IsClaudeProcess(pid int32) bool {
	exists, err := process.PidExists(pid)
	if err == nil && !exists {
		return false
	}
	p, err := process.NewProcess(pid)
	if err != nil {
		// Gone between the existence check and here.
		return false
	}
	name, err := p.Name()
	if err != nil {
		return true
	}
	cmdline, err := p.CmdlineSlice()
	if err != nil {
		return true
	}
	return isClaudeCommand(strings.ToLower(name), cmdline)
}

// DetectClaudePID walks up the process tree from the current process looking
// for the claude binary and returns its pid.
func DetectClaudePID() (int32, error) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return 0, err
	}
	for p != nil {
		name, nameErr := p.Name()
		cmdline, cmdErr := p.CmdlineSlice()
		if nameErr == nil && cmdErr == nil && isClaudeCommand(strings.ToLower(name), cmdline) {
			return p.Pid, nil
		}
		parent, err := p.Parent()
		if err != nil {
			break
		}
		p = parent
	}
	return 0, ErrClaudeNotFound
}

// DetectClaudePIDSafe is DetectClaudePID with failures mapped to 0.
func DetectClaudePIDSafe() int32 {
	pid, err := DetectClaudePID()
	if err != nil {
		return 0
	}
	return pid
}
