package bot

import (
	"fmt"
	"net"

	"github.com/hefzhail/botops/internal/xerrors"
)

// InstanceLock holds a loopback TCP port for the life of the process so a
// second copy of the bot cannot start against the same data file.
type InstanceLock struct {
	ln net.Listener
}

// AcquireInstanceLock binds the loopback port. A bind failure means another
// instance already holds it.
func AcquireInstanceLock(port int) (*InstanceLock, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return nil, xerrors.Wrapf(err, "instance lock port %d busy, another instance is likely running", port)
	}
	return &InstanceLock{ln: ln}, nil
}

// Release frees the port. Safe to call on a nil lock.
func (l *InstanceLock) Release() error {
	if l == nil || l.ln == nil {
		return nil
	}
	return l.ln.Close()
}

// Addr returns the bound address, for logging.
func (l *InstanceLock) Addr() string {
	if l == nil || l.ln == nil {
		return ""
	}
	return l.ln.Addr().String()
}
