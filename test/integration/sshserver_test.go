// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ShellBe Contributors

//go:build integration

package integration

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"net"
	"strconv"
	"sync"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention
	"golang.org/x/crypto/ssh"
)

// sshServer accepts a single public key, prints a banner from the shell and
// exits with status 0.
type sshServer struct {
	host string
	port int

	mu         sync.Mutex
	authorized ssh.PublicKey
	sessions   int

	wg sync.WaitGroup
}

func startSSHServer() *sshServer {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	Expect(err).NotTo(HaveOccurred())
	signer, err := ssh.NewSignerFromKey(priv)
	Expect(err).NotTo(HaveOccurred())

	s := &sshServer{}
	cfg := &ssh.ServerConfig{
		PublicKeyCallback: func(_ ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			s.mu.Lock()
			defer s.mu.Unlock()
			if s.authorized != nil && ssh.FingerprintSHA256(key) == ssh.FingerprintSHA256(s.authorized) {
				return &ssh.Permissions{}, nil
			}
			return nil, errors.New("unknown public key")
		},
	}
	cfg.AddHostKey(signer)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	Expect(err).NotTo(HaveOccurred())
	host, portStr, err := net.SplitHostPort(listener.Addr().String())
	Expect(err).NotTo(HaveOccurred())
	s.host = host
	s.port, err = strconv.Atoi(portStr)
	Expect(err).NotTo(HaveOccurred())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.handle(conn, cfg)
			}()
		}
	}()
	DeferCleanup(func() {
		_ = listener.Close()
		s.wg.Wait()
	})
	return s
}

func (s *sshServer) authorize(key ssh.PublicKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authorized = key
}

func (s *sshServer) shells() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions
}

func (s *sshServer) handle(conn net.Conn, cfg *ssh.ServerConfig) {
	sc, chans, reqs, err := ssh.NewServerConn(conn, cfg)
	if err != nil {
		_ = conn.Close()
		return
	}
	defer func() { _ = sc.Close() }()
	go ssh.DiscardRequests(reqs)

	for nc := range chans {
		if nc.ChannelType() != "session" {
			_ = nc.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		ch, requests, err := nc.Accept()
		if err != nil {
			continue
		}
		go s.serve(ch, requests)
	}
}

func (s *sshServer) serve(ch ssh.Channel, requests <-chan *ssh.Request) {
	defer func() { _ = ch.Close() }()
	for req := range requests {
		if req.Type != "shell" {
			if req.WantReply {
				_ = req.Reply(req.Type == "pty-req", nil)
			}
			continue
		}
		_ = req.Reply(true, nil)
		s.mu.Lock()
		s.sessions++
		s.mu.Unlock()
		_, _ = ch.Write([]byte("Welcome to work-server\n"))
		_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{0}))
		return
	}
}
