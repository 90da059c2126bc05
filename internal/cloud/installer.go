package cloud

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

type InstallEventKind string

const (
	InstallStatus   InstallEventKind = "status"
	InstallProgress InstallEventKind = "progress"
	InstallDone     InstallEventKind = "done"
	InstallError    InstallEventKind = "error"
)

// InstallEvent is one item from the installer's event stream. Done
// carries the node's registration payload; Error ends the stream.
type InstallEvent struct {
	Kind     InstallEventKind
	Status   string
	Progress int
	Invite   map[string]string
	Err      error
}

type InstallTarget struct {
	Host   string
	Port   int
	User   string
	KeyPEM []byte
}

type Installer interface {
	Install(ctx context.Context, target InstallTarget) (<-chan InstallEvent, error)
}

// SSHInstaller runs the node install script over SSH and translates
// its stdout line protocol (status:/progress:/invite: lines) into
// events. The channel closes after a Done or Error event.
type SSHInstaller struct {
	command     string
	dialTimeout time.Duration
	logger      *slog.Logger
}

func NewSSHInstaller(command string, logger *slog.Logger) *SSHInstaller {
	return &SSHInstaller{command: command, dialTimeout: 30 * time.Second, logger: logger}
}

func (i *SSHInstaller) Install(ctx context.Context, target InstallTarget) (<-chan InstallEvent, error) {
	signer, err := ssh.ParsePrivateKey(target.KeyPEM)
	if err != nil {
		return nil, fmt.Errorf("parse ssh key: %w", err)
	}
	cfg := &ssh.ClientConfig{
		User:            target.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         i.dialTimeout,
	}

	addr := net.JoinHostPort(target.Host, strconv.Itoa(target.Port))
	d := net.Dialer{Timeout: i.dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake %s: %w", addr, err)
	}
	client := ssh.NewClient(sshConn, chans, reqs)

	sess, err := client.NewSession()
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("ssh session: %w", err)
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		sess.Close()
		client.Close()
		return nil, fmt.Errorf("installer stdout: %w", err)
	}
	if err := sess.Start(i.command); err != nil {
		sess.Close()
		client.Close()
		return nil, fmt.Errorf("start installer: %w", err)
	}
	i.logger.Info("installer_started", slog.String("host", target.Host), slog.String("command", i.command))

	events := make(chan InstallEvent, 16)
	go func() {
		defer close(events)
		defer client.Close()
		defer sess.Close()

		var invite map[string]string
		scanner := bufio.NewScanner(stdout)
		for scanner.Scan() {
			ev, ok := parseInstallLine(scanner.Text())
			if !ok {
				continue
			}
			// Hold the registration payload back until the script's
			// exit status confirms it finished.
			if ev.Kind == InstallDone {
				invite = ev.Invite
				continue
			}
			events <- ev
		}
		if err := sess.Wait(); err != nil {
			events <- InstallEvent{Kind: InstallError, Err: fmt.Errorf("installer exited: %w", err)}
			return
		}
		if err := scanner.Err(); err != nil {
			events <- InstallEvent{Kind: InstallError, Err: fmt.Errorf("read installer output: %w", err)}
			return
		}
		if invite == nil {
			events <- InstallEvent{Kind: InstallError, Err: errors.New("installer finished without a registration payload")}
			return
		}
		events <- InstallEvent{Kind: InstallDone, Invite: invite}
	}()
	return events, nil
}

func parseInstallLine(line string) (InstallEvent, bool) {
	line = strings.TrimSpace(line)
	switch {
	case strings.HasPrefix(line, "status:"):
		return InstallEvent{
			Kind:   InstallStatus,
			Status: strings.TrimSpace(strings.TrimPrefix(line, "status:")),
		}, true
	case strings.HasPrefix(line, "progress:"):
		raw := strings.TrimSpace(strings.TrimPrefix(line, "progress:"))
		p, err := strconv.Atoi(raw)
		if err != nil || p < 0 || p > 100 {
			return InstallEvent{}, false
		}
		return InstallEvent{Kind: InstallProgress, Progress: p}, true
	case strings.HasPrefix(line, "invite:"):
		raw := strings.TrimSpace(strings.TrimPrefix(line, "invite:"))
		var payload map[string]string
		if err := json.Unmarshal([]byte(raw), &payload); err != nil || len(payload) == 0 {
			return InstallEvent{}, false
		}
		return InstallEvent{Kind: InstallDone, Invite: payload}, true
	}
	return InstallEvent{}, false
}
