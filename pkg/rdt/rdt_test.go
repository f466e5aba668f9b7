package rdt

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gortc/rdt/pkg/rdttest"
)

// newPair builds a server Socket and dials a client Conn against it over an
// in-memory link with the given loss profile, returning the server Socket,
// the ESTABLISHED client Conn, and the accepted server-side Conn (which may
// still be finishing the handshake).
func newPair(t *testing.T, ctx context.Context, profile rdttest.LossProfile) (*Socket, *Conn, *Conn) {
	t.Helper()
	clientAddr := rdttest.Addr("client")
	serverAddr := rdttest.Addr("server")
	clientPipe, serverPipe := rdttest.NewPipe(clientAddr, serverAddr, profile)

	server, err := NewServer(ctx, serverPipe)
	require.NoError(t, err)

	var clientConn *Conn
	var dialErr error
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		clientConn, dialErr = NewClient(ctx, clientPipe, serverAddr)
	}()

	serverConn, err := server.Accept(ctx)
	require.NoError(t, err)

	wg.Wait()
	require.NoError(t, dialErr)

	return server, clientConn, serverConn
}

func TestHandshakeEstablishesBothSides(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	server, client, serverSide := newPair(t, ctx, rdttest.LossProfile{})
	defer server.Close(context.Background())
	defer client.Close(context.Background())

	assert.NotNil(t, client)
	assert.NotNil(t, serverSide)
	assert.NoError(t, client.awaitEstablished(ctx))
	assert.NoError(t, serverSide.awaitEstablished(ctx))
}

func TestEchoLossFree(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	server, client, serverSide := newPair(t, ctx, rdttest.LossProfile{})
	defer server.Close(context.Background())
	defer client.Close(context.Background())

	msg := []byte("abcdefg")
	require.NoError(t, client.Send(ctx, msg))

	got, err := serverSide.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, msg, got)

	require.NoError(t, serverSide.Send(ctx, got))
	echoed, err := client.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, msg, echoed)
}

func TestEchoSurvivesRandomLoss(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	// A moderate drop rate forces at least one retransmission across the
	// handshake and the data exchange without exhausting MaxRetransmits.
	profile := rdttest.LossProfile{DropProb: 0.2, Seed: 42}
	server, client, serverSide := newPair(t, ctx, profile)
	defer server.Close(context.Background())
	defer client.Close(context.Background())

	msg := []byte("hello under loss")
	require.NoError(t, client.Send(ctx, msg))

	got, err := serverSide.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, msg, got)
}

func TestDuplicateDatagramsAreSuppressed(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	profile := rdttest.LossProfile{DupProb: 1.0, Seed: 7}
	server, client, serverSide := newPair(t, ctx, profile)
	defer server.Close(context.Background())
	defer client.Close(context.Background())

	msg := []byte("abc")
	require.NoError(t, client.Send(ctx, msg))

	got, err := serverSide.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, msg, got)

	// The duplicate must not be delivered a second time; confirm no further
	// payload shows up within a short window.
	recvCtx, recvCancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer recvCancel()
	_, err = serverSide.Recv(recvCtx)
	assert.Error(t, err)
}

func TestHandshakeSurvivesLostSynAck(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	clientAddr := rdttest.Addr("client")
	serverAddr := rdttest.Addr("server")
	clientPipe, serverPipe := rdttest.NewPipe(clientAddr, serverAddr, rdttest.LossProfile{})
	// Drop exactly the first datagram the server writes back: the SYN-ACK.
	// The server's retransmission sweep must resend the still-unacked
	// SYN-ACK so that it gets through (a retransmitted SYN from the client
	// is answered with a pure ACK by duplicate suppression).
	serverPipe.DropNext(1)

	server, err := NewServer(ctx, serverPipe)
	require.NoError(t, err)
	defer server.Close(context.Background())

	var clientConn *Conn
	var dialErr error
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		clientConn, dialErr = NewClient(ctx, clientPipe, serverAddr)
	}()

	serverSide, err := server.Accept(ctx)
	require.NoError(t, err)
	wg.Wait()
	require.NoError(t, dialErr)
	defer clientConn.Close(context.Background())

	require.NoError(t, clientConn.Send(ctx, []byte("post-handshake")))
	got, err := serverSide.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("post-handshake"), got)
}

func TestOrderlyTeardown(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	server, client, serverSide := newPair(t, ctx, rdttest.LossProfile{})
	defer server.Close(context.Background())

	require.NoError(t, client.Close(ctx))

	_, err := serverSide.Recv(ctx)
	assert.Error(t, err)
}

func TestTwoConcurrentClients(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	// rdttest.Pipe models a strict point-to-point pair, so two
	// independently-addressed clients are exercised here as two Socket
	// instances rather than one listener fanning out -- sufficient to
	// verify that distinct peers never share a *rdtconn.State and that
	// their engines make independent progress concurrently.
	serverAddr := rdttest.Addr("server")
	aClientAddr := rdttest.Addr("client-a")
	bClientAddr := rdttest.Addr("client-b")
	aClientPipe, aServerPipe := rdttest.NewPipe(aClientAddr, serverAddr, rdttest.LossProfile{})
	bClientPipe, bServerPipe := rdttest.NewPipe(bClientAddr, serverAddr, rdttest.LossProfile{})

	serverA, err := NewServer(ctx, aServerPipe)
	require.NoError(t, err)
	defer serverA.Close(context.Background())
	serverB, err := NewServer(ctx, bServerPipe)
	require.NoError(t, err)
	defer serverB.Close(context.Background())

	var wg sync.WaitGroup
	var aConn, bConn *Conn
	var aErr, bErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		aConn, aErr = NewClient(ctx, aClientPipe, serverAddr)
	}()
	go func() {
		defer wg.Done()
		bConn, bErr = NewClient(ctx, bClientPipe, serverAddr)
	}()

	aSide, err := serverA.Accept(ctx)
	require.NoError(t, err)
	bSide, err := serverB.Accept(ctx)
	require.NoError(t, err)

	wg.Wait()
	require.NoError(t, aErr)
	require.NoError(t, bErr)

	require.NoError(t, aConn.Send(ctx, []byte("from-a")))
	require.NoError(t, bConn.Send(ctx, []byte("from-b")))

	gotA, err := aSide.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("from-a"), gotA)

	gotB, err := bSide.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("from-b"), gotB)
}
