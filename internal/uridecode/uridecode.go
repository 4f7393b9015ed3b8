package uridecode

import (
	"log"

	"github.com/keel-web/keel/http/status"
)

type uriState uint8

const (
	sContent uriState = iota
	sSlash
	sDot
	sDotDot
	sQuoteStart
	sQuoteChar2
	sQueryStart
)

// Decode normalizes a request URI into path and query, translating escaped
// characters into their true form. Decoded bytes are re-fed into the state
// machine, so an escaped dot or slash still participates in segment
// accounting. The returned depth goes up on every regular segment and down on
// every ".." followed by a slash (a trailing ".." or one directly before "?"
// leaves it unchanged), letting the caller detect paths escaping the virtual
// root. The query is returned raw, escapes included.
//
// The decoded path is appended to the supplied path buffer.
func Decode(uri, path []byte) (decoded, query []byte, depth int, err error) {
	var (
		state       = sContent
		quoted      = sContent
		decodedChar byte
		pending     byte
		hasPending  bool
	)

	i := 0

	for {
		var ch byte
		switch {
		case hasPending:
			ch, hasPending = pending, false
		case i < len(uri):
			ch = uri[i]
			i++
		default:
			goto done
		}

		switch state {
		case sContent:
			switch ch {
			case '/':
				state = sSlash
				path = append(path, ch)
			case '%':
				quoted, state = sContent, sQuoteStart
			case '?':
				state = sQueryStart
			default:
				path = append(path, ch)
			}
		case sSlash:
			switch ch {
			case '/':
				// repeated slash, no new segment
				path = append(path, ch)
			case '.':
				state = sDot
				path = append(path, ch)
			case '%':
				quoted, state = sSlash, sQuoteStart
			case '?':
				state = sQueryStart
				depth++
			default:
				state = sContent
				path = append(path, ch)
				depth++
			}
		case sDot:
			switch ch {
			case '/':
				state = sSlash
				path = append(path, ch)
			case '.':
				state = sDotDot
				path = append(path, ch)
			case '%':
				quoted, state = sDot, sQuoteStart
			case '?':
				state = sQueryStart
				depth++
			default:
				state = sContent
				path = append(path, ch)
				depth++
			}
		case sDotDot:
			switch ch {
			case '/':
				state = sSlash
				path = append(path, ch)
				depth--
			case '%':
				quoted, state = sDotDot, sQuoteStart
			case '?':
				state = sQueryStart
			default:
				state = sContent
				path = append(path, ch)
				depth++
			}
		case sQuoteStart:
			v := hexval(ch)
			if v < 0 {
				return nil, nil, 0, status.ErrURIDecoding
			}

			decodedChar = byte(v) << 4
			state = sQuoteChar2
		case sQuoteChar2:
			v := hexval(ch)
			if v < 0 {
				return nil, nil, 0, status.ErrURIDecoding
			}

			switch c := decodedChar | byte(v); c {
			case 0x00:
				log.Printf("keel: rejecting NUL byte escaped into request URI")
				return nil, nil, 0, status.ErrURIDecoding
			case '%':
				// a doubly-escaped percent is literal and never re-fed
				state = sContent
				path = append(path, c)
			default:
				state = quoted
				pending, hasPending = c, true
			}
		case sQueryStart:
			if ch == '?' {
				// collapse repeated "?"
				continue
			}

			query = uri[i-1:]
			goto done
		}
	}

done:
	switch state {
	case sQuoteStart, sQuoteChar2:
		return nil, nil, 0, status.ErrURIDecoding
	}

	return path, query, depth, nil
}

func hexval(ch byte) int {
	switch {
	case ch >= '0' && ch <= '9':
		return int(ch - '0')
	case ch >= 'a' && ch <= 'f':
		return int(ch-'a') + 10
	case ch >= 'A' && ch <= 'F':
		return int(ch-'A') + 10
	default:
		return -1
	}
}
