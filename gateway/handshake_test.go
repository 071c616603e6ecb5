package gateway

import (
	"crypto/ed25519"
	"net"
	"testing"

	"github.com/tolelom/quorumnet/committee"
)

func TestHandshakeMutualSuccess(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	clientStatic, err := GenerateStaticKeypair()
	if err != nil {
		t.Fatalf("client static key: %v", err)
	}
	serverStatic, err := GenerateStaticKeypair()
	if err != nil {
		t.Fatalf("server static key: %v", err)
	}

	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate validator key: %v", err)
	}
	addr := "validator-1"
	c, err := committee.New(0, []committee.Member{{Address: addr, Stake: 10}})
	if err != nil {
		t.Fatalf("committee: %v", err)
	}
	lookup := func() (*committee.Committee, map[string]ed25519.PublicKey) {
		return c, map[string]ed25519.PublicKey{addr: pub}
	}

	var genesisDigest [32]byte
	genesisDigest[0] = 7

	type result struct {
		hr  *HandshakeResult
		err error
	}
	clientCh := make(chan result, 1)
	serverCh := make(chan result, 1)

	go func() {
		hr, err := PerformInitiatorHandshake(clientConn, clientStatic, ValidatorIdentity{Address: addr, Private: priv}, genesisDigest, 1)
		clientCh <- result{hr, err}
	}()
	go func() {
		hr, err := PerformResponderHandshake(serverConn, serverStatic, genesisDigest, 1, true, lookup)
		serverCh <- result{hr, err}
	}()

	clientRes := <-clientCh
	serverRes := <-serverCh

	if clientRes.err != nil {
		t.Fatalf("client handshake failed: %v", clientRes.err)
	}
	if serverRes.err != nil {
		t.Fatalf("server handshake failed: %v", serverRes.err)
	}
	if serverRes.hr.RemoteAddress != addr {
		t.Fatalf("expected server to learn address %s, got %s", addr, serverRes.hr.RemoteAddress)
	}

	// Transport keys must be symmetric: what the client encrypts with Send,
	// the server must be able to decrypt with Recv, and vice versa.
	plaintext := []byte("hello validator")
	ciphertext, err := clientRes.hr.Send.Encrypt(nil, nil, plaintext)
	if err != nil {
		t.Fatalf("client failed to encrypt message: %v", err)
	}
	decrypted, err := serverRes.hr.Recv.Decrypt(nil, nil, ciphertext)
	if err != nil {
		t.Fatalf("server failed to decrypt client message: %v", err)
	}
	if string(decrypted) != string(plaintext) {
		t.Fatalf("decrypted mismatch: got %q", decrypted)
	}
}

func TestHandshakeRejectsUnknownAddress(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	clientStatic, _ := GenerateStaticKeypair()
	serverStatic, _ := GenerateStaticKeypair()

	_, priv, _ := ed25519.GenerateKey(nil)
	c, _ := committee.New(0, []committee.Member{{Address: "someone-else", Stake: 10}})
	lookup := func() (*committee.Committee, map[string]ed25519.PublicKey) {
		return c, map[string]ed25519.PublicKey{}
	}

	var genesisDigest [32]byte

	serverErrCh := make(chan error, 1)
	go func() {
		_, err := PerformResponderHandshake(serverConn, serverStatic, genesisDigest, 1, true, lookup)
		serverErrCh <- err
	}()
	go func() {
		PerformInitiatorHandshake(clientConn, clientStatic, ValidatorIdentity{Address: "unregistered", Private: priv}, genesisDigest, 1)
	}()

	if err := <-serverErrCh; err == nil {
		t.Fatalf("expected server to reject unregistered address")
	}
}
