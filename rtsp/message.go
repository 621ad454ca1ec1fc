// RFC2326

package rtsp

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

const RTSPVersionString string = "RTSP/1.0"

var ErrBadRequest = errors.New("bad request")
var ErrInvalidFormat = errors.New("cannot parse message")

type Message struct {
	Headers Headers
	Body    []byte
}

func NewMessageFromString(s string) (Message, error) {
	if len(s) == 0 {
		return Message{Headers: make(Headers)}, nil
	}

	bodyDeliniatorPosition := strings.Index(s, "\r\n\r\n")

	if bodyDeliniatorPosition == -1 {
		return Message{}, ErrInvalidFormat
	}

	bodyStartPosition := bodyDeliniatorPosition + 4

	headers, err := NewHeadersFromString(s[0:bodyDeliniatorPosition])
	if err != nil {
		return Message{}, err
	}

	var body []byte
	if bodyStartPosition < len(s) {
		body = []byte(s[bodyStartPosition:])
	}

	return Message{
		Headers: headers,
		Body:    body,
	}, nil
}

func (m Message) Marshal() ([]byte, error) {
	head, err := m.Headers.Marshal()
	if err != nil {
		return nil, err
	}

	return fmt.Appendf(nil, "%s\r\n%s", head, m.Body), nil
}

type RequestLine struct {
	Method  RTSPMethod
	URL     *url.URL
	Version string
}

type Request struct {
	RequestLine
	Message
}

func NewRequest(method RTSPMethod, u *url.URL) Request {
	return Request{
		RequestLine: RequestLine{
			Method:  method,
			URL:     u,
			Version: RTSPVersionString,
		},
		Message: Message{Headers: make(Headers)},
	}
}

// newRequestFromString parses one RTSP request line and header block, up
// to and including the blank line; the caller reads any Content-Length
// body afterwards. Malformed input — a missing method/URL/version, an
// unrecognized method, or a version mismatch — yields ErrBadRequest rather
// than panicking: per spec.md §7 BadRequest keeps the connection alive.
func newRequestFromString(s string) (Request, error) {
	messageDelineatorPosition := strings.Index(s, "\r\n")
	if messageDelineatorPosition == -1 {
		return Request{}, ErrBadRequest
	}

	headerStart := messageDelineatorPosition + 2
	requestLineParts := strings.SplitN(s[0:messageDelineatorPosition], " ", 3)

	if len(requestLineParts) != 3 {
		return Request{}, ErrBadRequest
	}

	if !IsValidRTSPMethod(requestLineParts[0]) {
		return Request{}, ErrBadRequest
	}
	method := RTSPMethod(requestLineParts[0])

	u, err := url.Parse(requestLineParts[1])
	if err != nil {
		return Request{}, ErrBadRequest
	}

	version := requestLineParts[2]
	if version != RTSPVersionString {
		return Request{}, ErrBadRequest
	}

	request := NewRequest(method, u)

	if headerStart < len(s) {
		// Start at the request line's own CRLF so a request with no
		// header lines still presents the "\r\n\r\n" delimiter.
		request.Message, err = NewMessageFromString(s[messageDelineatorPosition:])
		if err != nil {
			return Request{}, err
		}
	}

	return request, nil
}

type requestContext struct {
	conn     net.Conn
	raddr    net.Addr
	request  *Request
	response *Response
	session  *Session
}

func newRequestContext(conn net.Conn, req *Request, resp *Response, session *Session) *requestContext {
	return &requestContext{
		conn:     conn,
		raddr:    conn.RemoteAddr(),
		request:  req,
		response: resp,
		session:  session,
	}
}

type ResponseLine struct {
	Version    string
	StatusCode RTSPStatus
	StatusText string
}

type Response struct {
	ResponseLine
	Message
}

func newResponse(statusCode RTSPStatus) *Response {
	return &Response{
		ResponseLine: ResponseLine{
			Version:    RTSPVersionString,
			StatusCode: statusCode,
			StatusText: statusCode.String(),
		},
		Message: Message{Headers: make(Headers)},
	}
}

func (r *Response) marshal() ([]byte, error) {
	msgbuf, err := r.Message.Marshal()
	if err != nil {
		return nil, err
	}

	return fmt.Appendf(nil, "%s %s %s\r\n%s", r.Version, string(r.StatusCode), r.StatusText, msgbuf), nil
}

func (r *Response) writeHeader(c RTSPStatus) {
	r.StatusCode = c
	r.StatusText = r.StatusCode.String()
}

func (r *Response) writeBody(b []byte) {
	r.Body = make([]byte, len(b))
	copy(r.Body, b)
}

// writeError calls writeHeader with the given status and sets the message
// body to the error text.
func (r *Response) writeError(c RTSPStatus, err error) {
	r.writeHeader(c)
	r.writeBody([]byte(err.Error()))
}
