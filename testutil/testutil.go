// Package testutil carries helpers shared by the integration tests: an
// overlap-detecting critical section and loopback gRPC plumbing.
package testutil

import (
	"net"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// CriticalSection records entries into a notionally exclusive region and
// counts how many of them overlapped. Unlike a real lock it never blocks:
// the protocol under test is supposed to provide the exclusion, and this
// type only checks that it did.
type CriticalSection struct {
	mu       sync.Mutex
	active   int
	entries  int
	overlaps int
}

// Work simulates holding the shared resource for d and records whether
// anyone else was inside at the same time.
func (cs *CriticalSection) Work(d time.Duration) {
	cs.mu.Lock()
	cs.active++
	cs.entries++
	if cs.active > 1 {
		cs.overlaps++
	}
	cs.mu.Unlock()

	time.Sleep(d)

	cs.mu.Lock()
	cs.active--
	cs.mu.Unlock()
}

// Entries is the number of completed Work calls started so far.
func (cs *CriticalSection) Entries() int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.entries
}

// Overlaps is the number of Work calls that found the section occupied.
// Any non-zero value means mutual exclusion was violated.
func (cs *CriticalSection) Overlaps() int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.overlaps
}

// StartServer serves a gRPC server on a loopback listener and returns
// its address. The server is stopped when the test ends.
func StartServer(t *testing.T, register func(*grpc.Server)) string {
	t.Helper()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := grpc.NewServer()
	register(srv)
	go func() {
		if err := srv.Serve(lis); err != nil && err != grpc.ErrServerStopped {
			t.Errorf("serve: %v", err)
		}
	}()
	t.Cleanup(srv.Stop)
	return lis.Addr().String()
}

// Dial opens an insecure client connection, closed when the test ends.
func Dial(t *testing.T, addr string) *grpc.ClientConn {
	t.Helper()

	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("dial %s: %v", addr, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}
