package p2pnet

import (
	"bytes"
	"strings"
	"testing"
)

func TestLengthPrefixedRoundTrip(t *testing.T) {
	want := []byte("a chunk of record bytes")

	var buf bytes.Buffer
	if err := writeLengthPrefixed(&buf, want); err != nil {
		t.Fatalf("writeLengthPrefixed: %v", err)
	}

	got, err := readLengthPrefixed(&buf)
	if err != nil {
		t.Fatalf("readLengthPrefixed: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("readLengthPrefixed() = %q, want %q", got, want)
	}
}

func TestLengthPrefixedRejectsOversizedMessage(t *testing.T) {
	oversized := make([]byte, maxPutMessageSize+1)

	var buf bytes.Buffer
	if err := writeLengthPrefixed(&buf, oversized); err == nil {
		t.Fatalf("expected writeLengthPrefixed to reject an oversized message")
	}
}

func TestReadLengthPrefixedRejectsOversizedLength(t *testing.T) {
	// Hand-craft a length prefix claiming more than the max, with no body.
	var buf bytes.Buffer
	big := uint32(maxPutMessageSize + 1)
	buf.Write([]byte{byte(big >> 24), byte(big >> 16), byte(big >> 8), byte(big)})

	if _, err := readLengthPrefixed(&buf); err == nil {
		t.Fatalf("expected readLengthPrefixed to reject an oversized length prefix")
	}
}

func TestReadLengthPrefixedRejectsTruncatedBody(t *testing.T) {
	var buf bytes.Buffer
	writeLengthPrefixed(&buf, []byte("hello world"))
	truncated := bytes.NewReader(buf.Bytes()[:len(buf.Bytes())-4])

	if _, err := readLengthPrefixed(truncated); err == nil {
		t.Fatalf("expected readLengthPrefixed to reject a truncated body")
	}
}

func TestWritePutResponseEncodesError(t *testing.T) {
	var buf bytes.Buffer
	writePutResponse(&buf, errExampleRejection)

	msg, err := readLengthPrefixed(&buf)
	if err != nil {
		t.Fatalf("readLengthPrefixed: %v", err)
	}
	if !strings.Contains(string(msg), "rejected") {
		t.Fatalf("encoded response does not appear to carry the error message: %q", msg)
	}
}

var errExampleRejection = &putRejectionError{"rejected: bad payment"}

type putRejectionError struct{ msg string }

func (e *putRejectionError) Error() string { return e.msg }
