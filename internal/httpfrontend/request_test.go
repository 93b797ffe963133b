package httpfrontend

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadHead_FindsDelimiter(t *testing.T) {
	raw := "GET / HTTP/1.1\r\nHost: myapp.tunnel.example\r\n\r\nbody-bytes"
	br := bufio.NewReader(bytes.NewReader([]byte(raw)))

	head, err := readHead(br, nil)
	require.NoError(t, err)
	assert.Contains(t, string(head), "GET / HTTP/1.1")
}

func TestReadHead_SeedsFromCarry(t *testing.T) {
	carry := []byte("GET /a HTTP/1.1\r\nHost: x\r\n")
	br := bufio.NewReader(bytes.NewReader([]byte("\r\nGET /b HTTP/1.1\r\n\r\n")))

	head, err := readHead(br, carry)
	require.NoError(t, err)
	assert.Equal(t, "GET /a HTTP/1.1\r\nHost: x\r\n\r\nGET /b HTTP/1.1\r\n\r\n", string(head))
}

func TestReadHead_TooLarge(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString("GET / HTTP/1.1\r\n")
	for buf.Len() < maxHeaderSize+1 {
		buf.WriteString("X-Pad: aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa\r\n")
	}
	br := bufio.NewReader(&buf)

	_, err := readHead(br, nil)
	assert.ErrorIs(t, err, errHeadTooLarge)
}

func TestParseHead_ExtractsSubdomain(t *testing.T) {
	head := []byte("GET /foo HTTP/1.1\r\nHost: myapp.tunnel.example\r\nContent-Length: 4\r\n")
	parsed := parseHead(head)

	assert.Equal(t, "myapp", parsed.subdomain)
	assert.Equal(t, int64(4), parsed.contentLength)
	assert.True(t, parsed.hasBody)
	assert.Equal(t, "GET /foo HTTP/1.1", parsed.requestLine)
}

func TestParseHead_BareHostname(t *testing.T) {
	head := []byte("GET / HTTP/1.1\r\nHost: myapp:8080\r\n")
	parsed := parseHead(head)
	assert.Equal(t, "myapp", parsed.subdomain)
}

func TestParseHead_ConnectionClose(t *testing.T) {
	head := []byte("GET / HTTP/1.1\r\nHost: myapp.tunnel.example\r\nConnection: close\r\n")
	parsed := parseHead(head)
	assert.True(t, parsed.connClose)
}

func TestParseHead_RealIPOverride(t *testing.T) {
	head := []byte("GET / HTTP/1.1\r\nHost: myapp.tunnel.example\r\nX-Real-Ip: 203.0.113.9\r\n")
	parsed := parseHead(head)
	assert.Equal(t, "203.0.113.9", parsed.realIP)
}

func TestBodyRemaining_ClampsToZero(t *testing.T) {
	assert.Equal(t, int64(0), bodyRemaining(4, 10))
	assert.Equal(t, int64(6), bodyRemaining(10, 4))
}

func TestStatusLineMentionsClientError(t *testing.T) {
	assert.True(t, statusLineMentionsClientError([]byte("HTTP/1.1 400 client_error\r\n\r\n")))
	assert.False(t, statusLineMentionsClientError([]byte("HTTP/1.1 200 OK\r\n\r\n")))
}

func TestSplitHeaderLine(t *testing.T) {
	name, value, ok := splitHeaderLine("Host: example.com")
	require.True(t, ok)
	assert.Equal(t, "Host", name)
	assert.Equal(t, "example.com", value)

	_, _, ok = splitHeaderLine("not-a-header-line")
	assert.False(t, ok)
}
