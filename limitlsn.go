package distobj

// A net.Listener that holds at most n accepted conns open at
// once, after golang.org/x/net/netutil#LimitListener.

// This file derived from golang.org/x/net/netutil/listen.go
// which uses the same license as our LICENSE, so the license
// reporting obligation is met:
// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

import (
	"net"
	"sync"
)

// LimitPorts caps l at n simultaneously open Ports. Accept
// blocks while n are open; closing any of them frees a slot.
// Call it before handing l to a Server. n <= 0 means no cap.
func (l *TCPPortListener) LimitPorts(n int) {
	if n <= 0 {
		return
	}
	l.lsn = newLimitListener(l.lsn, n)
}

func newLimitListener(l net.Listener, n int) net.Listener {
	return &limitListener{
		Listener: l,
		sem:      make(chan struct{}, n),
		done:     make(chan struct{}),
	}
}

type limitListener struct {
	net.Listener
	sem       chan struct{}
	closeOnce sync.Once
	done      chan struct{} // closed by Close
}

// acquire reports false if the listener closed before a
// slot came free.
func (l *limitListener) acquire() bool {
	select {
	case <-l.done:
		return false
	case l.sem <- struct{}{}:
		return true
	}
}

func (l *limitListener) release() { <-l.sem }

func (l *limitListener) Accept() (net.Conn, error) {
	if !l.acquire() {
		// closed: the underlying Accept should fail at once.
		// Anything it hands back anyway is dropped.
		for {
			c, err := l.Listener.Accept()
			if err != nil {
				return nil, err
			}
			c.Close()
		}
	}
	c, err := l.Listener.Accept()
	if err != nil {
		l.release()
		return nil, err
	}
	return &limitListenerConn{Conn: c, release: l.release}, nil
}

func (l *limitListener) Close() error {
	err := l.Listener.Close()
	l.closeOnce.Do(func() { close(l.done) })
	return err
}

type limitListenerConn struct {
	net.Conn
	releaseOnce sync.Once
	release     func()
}

func (c *limitListenerConn) Close() error {
	err := c.Conn.Close()
	c.releaseOnce.Do(c.release)
	return err
}
