// Copyright (c) 2026 Devfarm Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

// Package sshcheck verifies that an ssh-mode environment can reach its
// remote host before the container is created.
package sshcheck

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

// DefaultTimeout bounds dialing and the remote command.
const DefaultTimeout = 10 * time.Second

// ErrPathMissing is returned when the remote directory does not exist.
var ErrPathMissing = errors.New("remote path does not exist")

// Target is a remote host and the directory an environment will mount.
type Target struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Path     string `json:"path"`
}

func (t Target) addr() string {
	port := t.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(t.Host, strconv.Itoa(port))
}

// Checker dials targets with password authentication.
type Checker struct {
	Timeout time.Duration
}

// Check logs in and, when a path is set, runs `test -d` on it.
func (c Checker) Check(ctx context.Context, t Target) error {
	if t.Host == "" {
		return errors.New("ssh host is required")
	}
	user := t.User
	if user == "" {
		user = "root"
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var auth []ssh.AuthMethod
	if t.Password != "" {
		auth = append(auth,
			ssh.Password(t.Password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = t.Password
				}
				return answers, nil
			}),
		)
	}
	config := &ssh.ClientConfig{
		User:            user,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), // TODO: verify against a known_hosts file in the data dir
		Timeout:         timeout,
	}

	addr := t.addr()
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("SSH dial to %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		conn.Close()
		return fmt.Errorf("SSH login to %s as %s: %w", addr, user, err)
	}
	client := ssh.NewClient(sshConn, chans, reqs)
	defer client.Close()

	if t.Path == "" {
		return nil
	}
	return run(ctx, client, "test -d "+quote(t.Path), t.Path)
}

func run(ctx context.Context, client *ssh.Client, cmd, path string) error {
	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("create SSH session: %w", err)
	}
	defer session.Close()

	var stderr bytes.Buffer
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() {
		done <- session.Run(cmd)
	}()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGTERM)
		return ctx.Err()
	case err := <-done:
		var exit *ssh.ExitError
		if errors.As(err, &exit) {
			return fmt.Errorf("%w: %s", ErrPathMissing, path)
		}
		if err != nil {
			return fmt.Errorf("command failed: %w (stderr: %s)", err, strings.TrimSpace(stderr.String()))
		}
		return nil
	}
}

func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
