package crashguard

import (
	"encoding/json"
	"fmt"
	"net"
	"time"
)

// handoff is the one-shot payload the app process writes on the diagnostic
// socket just before going down.
type handoff struct {
	Clean      bool
	Diagnostic *Diagnostic `json:",omitempty"`
}

// SendDiagnostic hands the final diagnostic payload to the guard. Called from
// a panic handler, so it must not assume anything else still works.
func SendDiagnostic(socketPath string, d *Diagnostic) error {
	return send(socketPath, handoff{Diagnostic: d})
}

// SendCleanShutdown tells the guard the app is exiting on purpose and no
// crash report should be written.
func SendCleanShutdown(socketPath string) error {
	return send(socketPath, handoff{Clean: true})
}

func send(socketPath string, h handoff) error {
	conn, err := net.DialTimeout("unix", socketPath, 2*time.Second)
	if err != nil {
		return fmt.Errorf("dialing diagnostic socket: %w", err)
	}
	defer conn.Close()
	conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if err := json.NewEncoder(conn).Encode(h); err != nil {
		return fmt.Errorf("writing diagnostic payload: %w", err)
	}
	return nil
}
