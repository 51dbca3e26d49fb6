// Package ocserv adapts the local OpenConnect VPN daemon's management
// tools. Credentials are applied with ocpasswd; live sessions are managed
// and inspected through occtl.
package ocserv

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// Daemon is the control surface the control API needs from the VPN daemon.
type Daemon interface {
	// ApplyUser creates or updates the user's credentials. A locked user
	// keeps its password entry but cannot authenticate.
	ApplyUser(ctx context.Context, username, secret string, locked bool) error
	// RemoveUser deletes the user's credentials. Removing an absent user
	// is not an error.
	RemoveUser(ctx context.Context, username string) error
	// Disconnect terminates all live sessions of the user.
	Disconnect(ctx context.Context, username string) error
	// Status reports daemon liveness and the number of connected clients.
	Status(ctx context.Context) (alive bool, activeConnections int)
	// Traffic reports per-user byte counters for all live sessions.
	Traffic(ctx context.Context) ([]UserTraffic, error)
}

// UserTraffic is one user's session byte counters, summed across devices.
// Counters restart from zero when the user reconnects.
type UserTraffic struct {
	Username string
	RxBytes  int64
	TxBytes  int64
}

type runFunc func(ctx context.Context, name, stdin string, args ...string) ([]byte, error)

// Exec is the production Daemon backed by the ocpasswd and occtl binaries.
type Exec struct {
	log        *slog.Logger
	ocpasswd   string
	occtl      string
	passwdFile string
	timeout    time.Duration
	run        runFunc
}

// NewExec builds an Exec daemon adapter.
func NewExec(logger *slog.Logger, ocpasswdPath, occtlPath, passwdFile string) *Exec {
	return &Exec{
		log:        logger,
		ocpasswd:   ocpasswdPath,
		occtl:      occtlPath,
		passwdFile: passwdFile,
		timeout:    10 * time.Second,
		run:        runCommand,
	}
}

func runCommand(ctx context.Context, name, stdin string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return out.Bytes(), err
}

func (e *Exec) ApplyUser(ctx context.Context, username, secret string, locked bool) error {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	// ocpasswd reads the password twice from stdin.
	stdin := secret + "\n" + secret + "\n"
	if out, err := e.run(ctx, e.ocpasswd, stdin, "-c", e.passwdFile, username); err != nil {
		return fmt.Errorf("ocpasswd set %s: %w (%s)", username, err, firstLine(out))
	}

	flag := "-u"
	if locked {
		flag = "-l"
	}
	if out, err := e.run(ctx, e.ocpasswd, "", "-c", e.passwdFile, flag, username); err != nil {
		return fmt.Errorf("ocpasswd lock state %s: %w (%s)", username, err, firstLine(out))
	}
	e.log.Debug("daemon credentials applied", "user", username, "locked", locked)
	return nil
}

func (e *Exec) RemoveUser(ctx context.Context, username string) error {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	out, err := e.run(ctx, e.ocpasswd, "", "-c", e.passwdFile, "-d", username)
	if err != nil {
		if userAbsent(out) {
			return nil
		}
		return fmt.Errorf("ocpasswd delete %s: %w (%s)", username, err, firstLine(out))
	}
	e.log.Debug("daemon credentials removed", "user", username)
	return nil
}

func (e *Exec) Disconnect(ctx context.Context, username string) error {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	out, err := e.run(ctx, e.occtl, "", "disconnect", "user", username)
	if err != nil {
		if userAbsent(out) {
			return nil
		}
		return fmt.Errorf("occtl disconnect %s: %w (%s)", username, err, firstLine(out))
	}
	return nil
}

func (e *Exec) Status(ctx context.Context) (bool, int) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	out, err := e.run(ctx, e.occtl, "", "-j", "show", "users")
	if err != nil {
		return false, 0
	}
	// occtl -j prints a JSON array of connected user objects; an idle
	// daemon prints an empty array.
	var sessions []json.RawMessage
	if err := json.Unmarshal(bytes.TrimSpace(out), &sessions); err != nil {
		e.log.Warn("unparseable occtl output", "error", err)
		return true, 0
	}
	return true, len(sessions)
}

// occtlSession is the subset of one `occtl -j show users` record we read.
// Depending on the occtl build, RX and TX come as bare numbers or quoted
// strings.
type occtlSession struct {
	Username string          `json:"Username"`
	RX       json.RawMessage `json:"RX"`
	TX       json.RawMessage `json:"TX"`
}

func (e *Exec) Traffic(ctx context.Context) ([]UserTraffic, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	out, err := e.run(ctx, e.occtl, "", "-j", "show", "users")
	if err != nil {
		return nil, fmt.Errorf("occtl show users: %w (%s)", err, firstLine(out))
	}
	var sessions []occtlSession
	if err := json.Unmarshal(bytes.TrimSpace(out), &sessions); err != nil {
		return nil, fmt.Errorf("unparseable occtl output: %w", err)
	}

	index := make(map[string]int, len(sessions))
	totals := make([]UserTraffic, 0, len(sessions))
	for _, sess := range sessions {
		if sess.Username == "" {
			continue
		}
		i, ok := index[sess.Username]
		if !ok {
			i = len(totals)
			index[sess.Username] = i
			totals = append(totals, UserTraffic{Username: sess.Username})
		}
		totals[i].RxBytes += parseByteCount(sess.RX)
		totals[i].TxBytes += parseByteCount(sess.TX)
	}
	return totals, nil
}

func parseByteCount(raw json.RawMessage) int64 {
	s := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	if s == "" {
		return 0
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func userAbsent(out []byte) bool {
	msg := strings.ToLower(string(out))
	return strings.Contains(msg, "unknown user") ||
		strings.Contains(msg, "user not found") ||
		strings.Contains(msg, "no such user")
}

func firstLine(out []byte) string {
	line, _, _ := strings.Cut(strings.TrimSpace(string(out)), "\n")
	return line
}
