package http1

import (
	"bytes"
	"io"
	"math"

	"github.com/indigo-web/chunkedbody"
	"github.com/indigo-web/utils/strcomp"
	"github.com/indigo-web/utils/uf"
	"github.com/keel-web/keel/http/status"
)

// State reports the outcome of a Process call.
type State uint8

const (
	// Partial means the message is incomplete; feed more bytes.
	Partial State = iota + 1
	// Complete means one full message was parsed; unconsumed bytes may hold
	// the next pipelined message.
	Complete
	// Aborted means a callback asked to stop processing.
	Aborted
)

// Callbacks receives parse events. All slices alias the buffer passed to
// Process and are only valid for the duration of the callback unless promoted
// to an owned copy.
type Callbacks interface {
	MessageBegin(method, uri []byte, vmajor, vminor int)
	MessageHeader(name, value []byte)
	// MessageHeaderEnd fires once all headers are in; returning false stops
	// processing.
	MessageHeaderEnd() bool
	// MessageContent fires per body chunk; returning false stops processing.
	MessageContent(chunk []byte) bool
	// MessageEnd fires once per complete message; returning false stops
	// processing.
	MessageEnd() bool
}

type pState uint8

const (
	eRequestLine pState = iota + 1
	eHeaders
	eBody
	eChunkedBody
)

// Processor is a resumable HTTP/1.x request parser. It consumes arbitrary
// byte windows and emits callbacks; continuation across reads works by the
// caller preserving unconsumed bytes and handing them in again.
type Processor struct {
	cb            Callbacks
	chunkedParser *chunkedbody.Parser
	state         pState
	remaining     int64
	contentLength int64
	hasCL         bool
	chunked       bool
	hasTrailer    bool
}

func NewProcessor(cb Callbacks) *Processor {
	return &Processor{
		cb:            cb,
		chunkedParser: chunkedbody.NewParser(chunkedbody.DefaultSettings()),
		state:         eRequestLine,
	}
}

// Idle reports whether the processor sits between messages, with no partial
// message under way. Note that a partially buffered request line still counts
// as idle, as nothing has been consumed yet.
func (p *Processor) Idle() bool {
	return p.state == eRequestLine
}

// ContentLength returns the value of the Content-Length header of the message
// being parsed, or -1 if none was present.
func (p *Processor) ContentLength() int64 {
	if !p.hasCL {
		return -1
	}

	return p.contentLength
}

// IsChunked tells whether the current message body is chunk-encoded.
func (p *Processor) IsChunked() bool {
	return p.chunked
}

// Process parses as much of data as possible, returning the number of bytes
// fully consumed. Syntax errors come back as non-nil err; the consumed count
// then points at the offending region.
func (p *Processor) Process(data []byte) (consumed int, state State, err error) {
	for {
		switch p.state {
		case eRequestLine:
			line, advance, err := cutLine(data[consumed:])
			if err != nil {
				return consumed, Partial, err
			}

			if advance == 0 {
				return consumed, Partial, nil
			}

			if err = p.requestLine(line); err != nil {
				return consumed, Partial, err
			}

			consumed += advance
			p.state = eHeaders
		case eHeaders:
			line, advance, err := cutLine(data[consumed:])
			if err != nil {
				return consumed, Partial, err
			}

			if advance == 0 {
				return consumed, Partial, nil
			}

			consumed += advance

			if len(line) == 0 {
				st, err := p.headersEnd()
				if st != 0 || err != nil {
					return consumed, st, err
				}

				continue
			}

			if err = p.header(line); err != nil {
				return consumed, Partial, err
			}
		case eBody:
			if p.remaining == 0 {
				return consumed, p.finish(), nil
			}

			if consumed == len(data) {
				return consumed, Partial, nil
			}

			chunk := data[consumed:]
			if int64(len(chunk)) > p.remaining {
				chunk = chunk[:p.remaining]
			}

			consumed += len(chunk)
			p.remaining -= int64(len(chunk))

			if !p.cb.MessageContent(chunk) {
				p.reset()
				return consumed, Aborted, nil
			}
		case eChunkedBody:
			if consumed == len(data) {
				return consumed, Partial, nil
			}

			chunk, extra, err := p.chunkedParser.Parse(data[consumed:], p.hasTrailer)
			before := consumed
			consumed = len(data) - len(extra)

			switch err {
			case nil:
				if len(chunk) > 0 && !p.cb.MessageContent(chunk) {
					p.reset()
					return consumed, Aborted, nil
				}

				if consumed == before && len(chunk) == 0 {
					return consumed, Partial, nil
				}
			case io.EOF:
				if len(chunk) > 0 && !p.cb.MessageContent(chunk) {
					p.reset()
					return consumed, Aborted, nil
				}

				return consumed, p.finish(), nil
			default:
				return consumed, Partial, status.ErrBadChunk
			}
		}
	}
}

// headersEnd fires the header-end callback and decides the body framing.
// A zero State means: go on parsing.
func (p *Processor) headersEnd() (State, error) {
	if p.hasCL && p.chunked {
		return Partial, status.ErrBadFraming
	}

	if !p.cb.MessageHeaderEnd() {
		p.reset()
		return Aborted, nil
	}

	switch {
	case p.chunked:
		p.state = eChunkedBody
	case p.hasCL && p.contentLength > 0:
		p.remaining = p.contentLength
		p.state = eBody
	default:
		return p.finish(), nil
	}

	return 0, nil
}

// finish completes the current message and rewinds for the next one.
func (p *Processor) finish() State {
	ok := p.cb.MessageEnd()
	p.reset()

	if !ok {
		return Aborted
	}

	return Complete
}

func (p *Processor) reset() {
	p.state = eRequestLine
	p.remaining = 0
	p.contentLength = 0
	p.hasCL = false
	p.chunked = false
	p.hasTrailer = false
}

func (p *Processor) requestLine(line []byte) error {
	sp1 := bytes.IndexByte(line, ' ')
	if sp1 <= 0 {
		return status.ErrMalformedRequestLine
	}

	sp2 := bytes.IndexByte(line[sp1+1:], ' ')
	if sp2 <= 0 {
		return status.ErrMalformedRequestLine
	}
	sp2 += sp1 + 1

	method, uri, version := line[:sp1], line[sp1+1:sp2], line[sp2+1:]

	for _, c := range method {
		if !isTokenChar(c) {
			return status.ErrMalformedRequestLine
		}
	}

	if len(uri) == 0 || bytes.IndexByte(uri, ' ') != -1 {
		return status.ErrMalformedRequestLine
	}

	vmajor, vminor, ok := parseVersion(version)
	if !ok {
		return status.ErrMalformedRequestLine
	}

	p.cb.MessageBegin(method, uri, vmajor, vminor)

	return nil
}

func (p *Processor) header(line []byte) error {
	colon := bytes.IndexByte(line, ':')
	if colon <= 0 {
		return status.ErrBadHeaderToken
	}

	name := line[:colon]
	for _, c := range name {
		if !isTokenChar(c) {
			return status.ErrBadHeaderToken
		}
	}

	value := trimLeftSpaces(line[colon+1:])

	switch {
	case equalFold(name, "Content-Length"):
		length, err := parseContentLength(value)
		if err != nil {
			return err
		}

		if p.hasCL && length != p.contentLength {
			return status.ErrBadContentLength
		}

		p.hasCL = true
		p.contentLength = length
	case equalFold(name, "Transfer-Encoding"):
		if hasToken(value, "chunked") {
			p.chunked = true
		}
	case equalFold(name, "Trailer"):
		p.hasTrailer = true
	}

	p.cb.MessageHeader(name, value)

	return nil
}

// cutLine extracts the next line. A lone LF is tolerated as a terminator; a
// CR anywhere but immediately before an LF is a syntax error. advance == 0
// means the line isn't complete yet.
func cutLine(data []byte) (line []byte, advance int, err error) {
	lf := bytes.IndexByte(data, '\n')
	if lf == -1 {
		if cr := bytes.IndexByte(data, '\r'); cr != -1 && cr != len(data)-1 {
			return nil, 0, status.ErrBareCR
		}

		return nil, 0, nil
	}

	line = data[:lf]
	if n := len(line); n > 0 && line[n-1] == '\r' {
		line = line[:n-1]
	}

	if bytes.IndexByte(line, '\r') != -1 {
		return nil, 0, status.ErrBareCR
	}

	return line, lf + 1, nil
}

func parseVersion(v []byte) (major, minor int, ok bool) {
	if len(v) != 8 || !bytes.HasPrefix(v, []byte("HTTP/")) {
		return 0, 0, false
	}

	ma, dot, mi := v[5], v[6], v[7]
	if ma < '0' || ma > '9' || dot != '.' || mi < '0' || mi > '9' {
		return 0, 0, false
	}

	return int(ma - '0'), int(mi - '0'), true
}

func parseContentLength(value []byte) (int64, error) {
	if len(value) == 0 {
		return 0, status.ErrBadContentLength
	}

	var length int64
	for _, c := range value {
		if c < '0' || c > '9' {
			return 0, status.ErrBadContentLength
		}

		if length > (math.MaxInt64-9)/10 {
			return 0, status.ErrBadContentLength
		}

		length = length*10 + int64(c-'0')
	}

	return length, nil
}

func trimLeftSpaces(value []byte) []byte {
	for len(value) > 0 && (value[0] == ' ' || value[0] == '\t') {
		value = value[1:]
	}

	return value
}

// hasToken reports whether a comma-separated header value contains the token,
// compared case-insensitively.
func hasToken(value []byte, token string) bool {
	for len(value) > 0 {
		comma := bytes.IndexByte(value, ',')
		var part []byte
		if comma == -1 {
			part, value = value, nil
		} else {
			part, value = value[:comma], value[comma+1:]
		}

		part = bytes.TrimSpace(part)
		if strcomp.EqualFold(uf.B2S(part), token) {
			return true
		}
	}

	return false
}

func equalFold(b []byte, s string) bool {
	return strcomp.EqualFold(uf.B2S(b), s)
}

var tokenChars = func() (table [256]bool) {
	for c := '0'; c <= '9'; c++ {
		table[c] = true
	}
	for c := 'a'; c <= 'z'; c++ {
		table[c] = true
	}
	for c := 'A'; c <= 'Z'; c++ {
		table[c] = true
	}
	for _, c := range "!#$%&'*+-.^_`|~" {
		table[c] = true
	}

	return table
}()

func isTokenChar(c byte) bool {
	return tokenChars[c]
}
