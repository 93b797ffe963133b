package agentfrontend

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// maxHeaderSize bounds the response head buffer read before the CRLFCRLF
// delimiter is found, for the same reason as the HTTP frontend's bound.
const maxHeaderSize = 64 * 1024

var headDelimiter = []byte("\r\n\r\n")
var chunkedTerminator = []byte("0\r\n\r\n")

// errHeadTooLarge is returned when no delimiter appears within maxHeaderSize.
var errHeadTooLarge = fmt.Errorf("agentfrontend: response head exceeds %d bytes", maxHeaderSize)

// readResponseHead reads from r until the CRLFCRLF header/body delimiter
// appears, returning everything read so far (which may include body bytes
// that arrived in the same underlying read past the delimiter). Returns an
// error — terminal for the session — if the stream ends first.
func readResponseHead(r *bufio.Reader) ([]byte, error) {
	var buf bytes.Buffer
	tmp := make([]byte, 4096)

	for {
		if idx := bytes.Index(buf.Bytes(), headDelimiter); idx != -1 {
			return buf.Bytes(), nil
		}
		if buf.Len() > maxHeaderSize {
			return nil, errHeadTooLarge
		}

		n, err := r.Read(tmp)
		if n > 0 {
			buf.Write(tmp[:n])
		}
		if err != nil {
			return nil, err
		}
	}
}

// responseHeaders parses the header lines of a response head (skipping the
// status line) into a case-preserving name -> value map, splitting each
// line on the first ": ".
func responseHeaders(head []byte, delimEnd int) map[string]string {
	headers := make(map[string]string)

	headerBlock := string(head[:delimEnd])
	lines := strings.Split(strings.TrimSuffix(headerBlock, "\r\n\r\n"), "\r\n")
	if len(lines) == 0 {
		return headers
	}

	for _, line := range lines[1:] { // skip the status line
		idx := strings.Index(line, ": ")
		if idx == -1 {
			continue
		}
		headers[line[:idx]] = line[idx+2:]
	}
	return headers
}

// headerValue looks up name case-insensitively in headers.
func headerValue(headers map[string]string, name string) (string, bool) {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return "", false
}

// frameResponse reads the remainder of one HTTP response after its head has
// already been captured in head (ending at delimEnd), according to whichever
// framing the headers declare, and returns the full response bytes (head +
// framed body) to forward verbatim to the HTTP waiter.
//
//   - Content-Length: N -> read until N bytes sit past the delimiter. A
//     short read (EOF before N) is tolerated: the exchange still completes
//     with whatever was received.
//   - Transfer-Encoding: chunked -> read until the literal terminator
//     "0\r\n\r\n" appears anywhere after the delimiter, then truncate
//     immediately after it. A chunk whose data legitimately contains those
//     five bytes will false-trigger early truncation — the spec accepts
//     this risk rather than tracking chunk boundaries precisely.
//   - Neither header present -> the body is empty by definition (e.g. 204,
//     304); stop at the end of the delimiter.
func frameResponse(r *bufio.Reader, head []byte, delimEnd int) ([]byte, error) {
	headers := responseHeaders(head, delimEnd)

	if cl, ok := headerValue(headers, "Content-Length"); ok {
		n, err := strconv.ParseInt(cl, 10, 64)
		if err == nil && n > 0 {
			return readContentLengthBody(r, head, delimEnd, n)
		}
	}

	if te, ok := headerValue(headers, "Transfer-Encoding"); ok && strings.EqualFold(strings.TrimSpace(te), "chunked") {
		return readChunkedBody(r, head, delimEnd)
	}

	return head[:delimEnd], nil
}

func readContentLengthBody(r *bufio.Reader, head []byte, delimEnd int, contentLength int64) ([]byte, error) {
	alreadyPastDelim := int64(len(head) - delimEnd)
	remaining := contentLength - alreadyPastDelim
	if remaining <= 0 {
		return head[:delimEnd+int(contentLength)], nil
	}

	tail := make([]byte, remaining)
	n, err := io.ReadFull(r, tail)
	// Short-read: EOF before n reaches remaining. Best-effort — forward
	// whatever arrived instead of failing the exchange.
	full := append(head, tail[:n]...)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return full, err
	}
	return full, nil
}

func readChunkedBody(r *bufio.Reader, head []byte, delimEnd int) ([]byte, error) {
	buf := append([]byte(nil), head...)
	tmp := make([]byte, 4096)

	for {
		if idx := bytes.Index(buf[delimEnd:], chunkedTerminator); idx != -1 {
			end := delimEnd + idx + len(chunkedTerminator)
			return buf[:end], nil
		}

		n, err := r.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
		}
		if err != nil {
			return nil, err
		}
	}
}

// headEnd returns the offset immediately after the CRLFCRLF delimiter in
// head, where the header block ends and any body bytes begin.
func headEnd(head []byte) int {
	idx := bytes.Index(head, headDelimiter)
	if idx == -1 {
		return len(head)
	}
	return idx + len(headDelimiter)
}
