// transport_test.go covers the ProcessTransport handshake against malformed
// daemon output. The child process itself is not involved: the decode paths
// only touch the stdout stream.
package session

import (
	"errors"
	"io"
	"strings"
	"testing"
	"time"
)

func TestProcessTransportHandshakeRejectsMalformedData(t *testing.T) {
	cases := []struct {
		name   string
		stdout string
	}{
		{"not json", "lsblk: command not found\n"},
		{"secret not hex", `{"secret":"zz-not-hex"}` + "\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tr := NewProcessTransport(nil, nil, strings.NewReader(tc.stdout), nil)
			_, err := tr.Handshake(time.Second)
			if !errors.Is(err, ErrHandshakeFailed) {
				t.Fatalf("expected ErrHandshakeFailed, got %v", err)
			}
		})
	}
}

func TestProcessTransportHandshakeTimeout(t *testing.T) {
	r, w := io.Pipe()
	defer w.Close()
	defer r.Close()

	tr := NewProcessTransport(nil, nil, r, nil)
	_, err := tr.Handshake(20 * time.Millisecond)
	if !errors.Is(err, ErrHandshakeFailed) {
		t.Fatalf("expected ErrHandshakeFailed on a silent daemon, got %v", err)
	}
}
