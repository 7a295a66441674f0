package camera

import (
	"fmt"
	"strings"
)

// ExitLedger records, per subprocess role, how it ended. The supervisor
// appends to it on every close event and feeds it to decide.
type ExitLedger map[string]ExitRecord

// sessionRoles is the fixed pair of subprocesses a session owns, in the
// order failure messages are reported.
var sessionRoles = [2]string{RoleRecord, RoleInference}

// decision is what the supervisor should do after recording one exit.
type decision struct {
	// terminateSibling asks for the not-yet-exited subprocess to be shut
	// down: either the sibling failed, or its clean exit is an implicit
	// stop trigger.
	terminateSibling bool

	// failure is a descriptive error when a subprocess failed while stop
	// was not requested; empty otherwise.
	failure string

	// done is true once both subprocesses have closed. status is the
	// session's terminal status and is only meaningful then.
	done   bool
	status Status
}

// decide is the pure exit-coordination rule: given the ledger so far and
// whether a stop was requested, it says whether to terminate the sibling,
// what error to record, and the terminal status once both have closed.
// A positive exit code counts as a failure only when stop was not
// requested; signal-terminated exits are the expected result of our own
// escalation and never count.
func decide(ledger ExitLedger, stopRequested bool) decision {
	var d decision

	var failures []string
	if !stopRequested {
		for _, role := range sessionRoles {
			if rec, ok := ledger[role]; ok && rec.Code > 0 {
				failures = append(failures, fmt.Sprintf("%s subprocess exited with code %d", role, rec.Code))
			}
		}
	}
	d.failure = strings.Join(failures, "; ")

	if len(ledger) < len(sessionRoles) {
		// One subprocess is still up. Without a stop request its fate
		// follows the first closer, failed or clean.
		d.terminateSibling = !stopRequested
		return d
	}

	d.done = true
	if d.failure != "" {
		d.status = StatusFailed
	} else {
		d.status = StatusStopped
	}
	return d
}
