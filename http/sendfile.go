package http

import (
	"log"
	"strconv"
	"time"

	"github.com/dchest/uniuri"

	"github.com/keel-web/keel/http/status"
	"github.com/keel-web/keel/internal/source"
)

var hexDigits = []byte("0123456789abcdef")

// generateBoundary returns a 16-hex-digit multipart boundary. Uniqueness
// within a single response is all that's required of it.
func generateBoundary() string {
	return uniuri.NewLenChars(16, hexDigits)
}

// SendfilePath resolves the path through the file-info cache and serves it.
func (r *Request) SendfilePath(path string) bool {
	return r.Sendfile(r.conn.Env().FileInfo(path))
}

// Sendfile serves a static file: cache validation, conditional and ranged
// responses included. GET and HEAD only. The request still needs Finish once
// this returns true.
func (r *Request) Sendfile(file *FileInfo) bool {
	r.File = file

	r.Status = r.VerifyClientCache(file)
	if r.Status != status.OK {
		return true
	}

	fd := -1
	if r.IsMethod("GET") {
		fd = file.Handle()

		if fd < 0 {
			log.Printf("keel: could not open %q", file.Path)
			r.Status = status.Forbidden
			return true
		}
	} else if !r.IsMethod("HEAD") {
		r.Status = status.MethodNotAllowed
		return true
	}

	r.ResponseHeaders.Add("Last-Modified", file.LastModified)
	r.ResponseHeaders.Add("ETag", file.ETag)

	if !r.processRangeRequest(file, fd) {
		r.ResponseHeaders.Add("Accept-Ranges", "bytes")
		r.ResponseHeaders.Add("Content-Type", file.Mimetype)
		r.ResponseHeaders.Add("Content-Length", strconv.FormatInt(file.Size, 10))

		if fd >= 0 { // GET
			fadvise(fd, 0, file.Size)
			r.Write(source.NewFile(fd, 0, int(file.Size), false))
		}
	}

	return true
}

// VerifyClientCache evaluates the conditional request headers against the
// file metadata, returning the status the response should take: 304 when the
// client copy is current, 400 on an invalid date, 200 otherwise.
func (r *Request) VerifyClientCache(file *FileInfo) status.Code {
	if value := r.Header("If-None-Match"); value != "" {
		if value == file.ETag {
			value = r.Header("If-Modified-Since")
			if value == "" { // ETag-only match
				return status.NotModified
			}

			date, ok := parseHTTPDate(value)
			if !ok {
				return status.BadRequest
			}

			if !file.MTime.After(date) {
				return status.NotModified
			}
		}
	} else if value = r.Header("If-Modified-Since"); value != "" {
		date, ok := parseHTTPDate(value)
		if !ok {
			return status.BadRequest
		}

		if !file.MTime.After(date) {
			return status.NotModified
		}
	}

	return status.OK
}

// processRangeRequest serves a ranged response if the request carries a
// usable Range header. Returns false when the caller should send the full
// file instead.
func (r *Request) processRangeRequest(file *FileInfo, fd int) bool {
	rangeValue := r.Header("Range")
	if rangeValue == "" {
		return false
	}

	spec, ok := ParseRange(rangeValue)
	if !ok {
		// a malformed Range header degrades to a full response
		return false
	}

	// If-Range matching neither the ETag nor the modification date means the
	// client's view of the file is stale, so serve it whole.
	if cond := r.Header("If-Range"); cond != "" {
		if cond != file.ETag && cond != file.LastModified {
			return false
		}
	}

	r.Status = status.PartialContent

	if len(spec) > 1 {
		return r.multiRange(spec, file, fd)
	}

	first, last := spec[0].Resolve(file.Size)
	if last < first {
		r.Status = status.RequestedRangeNotSatisfiable
		return true
	}

	length := last - first + 1

	r.ResponseHeaders.Add("Content-Type", file.Mimetype)
	r.ResponseHeaders.Add("Content-Length", strconv.FormatInt(length, 10))
	r.ResponseHeaders.Add("Content-Range",
		"bytes "+strconv.FormatInt(first, 10)+"-"+strconv.FormatInt(last, 10)+
			"/"+strconv.FormatInt(file.Size, 10))

	if fd >= 0 {
		fadvise(fd, first, length)
		r.Write(source.NewFile(fd, first, int(length), true))
	}

	return true
}

// multiRange builds a multipart/byteranges response: alternating part-header
// buffers and file windows, with the total content length computed up front.
func (r *Request) multiRange(spec RangeSpec, file *FileInfo, fd int) bool {
	content := source.NewComposite()
	boundary := generateBoundary()
	contentLength := int64(0)

	for i, br := range spec {
		first, last := br.Resolve(file.Size)
		if last < first {
			r.Status = status.RequestedRangeNotSatisfiable
			return true
		}

		partLength := last - first + 1

		part := "\r\n--" + boundary +
			"\r\nContent-Type: " + file.Mimetype +
			"\r\nContent-Range: bytes " + strconv.FormatInt(first, 10) +
			"-" + strconv.FormatInt(last, 10) +
			"/" + strconv.FormatInt(file.Size, 10) +
			"\r\n\r\n"

		contentLength += int64(len(part)) + partLength

		if fd >= 0 {
			lastChunk := i+1 == len(spec)
			content.Append(source.NewBuffer([]byte(part)))
			content.Append(source.NewFile(fd, first, int(partLength), lastChunk))
		}
	}

	closing := "\r\n--" + boundary + "--\r\n"
	contentLength += int64(len(closing))
	content.Append(source.NewBuffer([]byte(closing)))

	r.ResponseHeaders.Add("Content-Type", "multipart/byteranges; boundary="+boundary)
	r.ResponseHeaders.Add("Content-Length", strconv.FormatInt(contentLength, 10))

	if fd >= 0 {
		r.Write(content)
	}

	return true
}

var httpDateLayouts = []string{
	time.RFC1123,
	time.RFC1123Z,
	time.RFC850,
	time.ANSIC,
}

func parseHTTPDate(value string) (time.Time, bool) {
	for _, layout := range httpDateLayouts {
		if date, err := time.Parse(layout, value); err == nil {
			return date, true
		}
	}

	return time.Time{}, false
}
