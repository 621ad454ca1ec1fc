package rtsp

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	HeaderNameTransport     string = "Transport"
	HeaderNameCSeq          string = "CSeq"
	HeaderNameDate          string = "Date"
	HeaderNameSession       string = "Session"
	HeaderNameContentType   string = "Content-Type"
	HeaderNameContentBase   string = "Content-Base"
	HeaderNameContentLength string = "Content-Length"
	HeaderNamePublic        string = "Public"
	HeaderNameRange         string = "Range"
	HeaderNameRTPInfo       string = "RTP-Info"
	HeaderNameConnection    string = "Connection"
	HeaderNameUnsupported   string = "Unsupported"
)

type HeaderLine interface {
	// implement by returning a complete header line with `\r\n`
	Marshal() ([]byte, error)

	Name() string

	// returns the value
	Value() (string, error)

	// returns the value, if the value can't be marshalled, returns an empty string
	ValueNoError() string
}

type GenericHeaderLine struct {
	name     string
	rawValue string
}

func NewGenericHeaderLine(name string, value string) GenericHeaderLine {
	return GenericHeaderLine{
		name:     name,
		rawValue: value,
	}
}

func (h GenericHeaderLine) Value() (string, error) {
	return h.rawValue, nil
}

func (h GenericHeaderLine) ValueNoError() string {
	v, err := h.Value()

	if err != nil {
		return ""
	}

	return v
}

func (h GenericHeaderLine) Name() string {
	return h.name
}

func (h GenericHeaderLine) Marshal() ([]byte, error) {
	return fmt.Appendf(nil, "%s: %s\r\n", h.Name(), h.ValueNoError()), nil
}

type Headers map[string]HeaderLine

func NewHeadersFromString(s string) (Headers, error) {
	headers := make(Headers)

	s = strings.Trim(s, "\r\n")
	if s == "" {
		return headers, nil
	}

	for _, line := range strings.Split(s, "\r\n") {
		hl, err := ParseHeaderLine(line)

		if err != nil {
			return nil, err
		}

		headers[hl.Name()] = hl
	}

	return headers, nil
}

func (h Headers) Marshal() ([]byte, error) {
	head := make([]byte, 0)

	// write each header field
	for _, headerLine := range h {
		line, err := headerLine.Marshal()
		if err != nil {
			return nil, err
		}

		head = append(head, line...)
	}

	return head, nil
}

func (h Headers) PutLine(hl HeaderLine) {
	h[hl.Name()] = hl
}

func (h Headers) PutGenericLine(name string, value string) {
	h[name] = GenericHeaderLine{name: name, rawValue: value}
}

func (h Headers) GetLine(name string) (HeaderLine, bool) {
	hl, ok := h[name]
	return hl, ok
}

// returns an empty HeaderLine if the field name doesn't exist in the headers
func (h Headers) GetLineNoFail(name string) HeaderLine {
	if hl, ok := h.GetLine(name); ok {
		return hl
	}

	return GenericHeaderLine{}
}

func (h Headers) Delete(name string) bool {
	_, ok := h[name]
	delete(h, name)
	return ok
}

// TransportInfo describes one Transport spec, either as requested by a
// client in a SETUP or as negotiated back by the server. A client spec
// carries ClientPort*/Interleaved*; a server reply additionally carries
// ServerPort*/Destination/TTL. See spec.md §6.
type TransportInfo struct {
	Protocol  string // RTP
	Profile   string // AVP
	Unicast   bool
	Multicast bool
	IsTCP     bool

	ClientPortStart int // UDP unicast: client-declared receive port range start; UDP multicast: the port= range
	ClientPortEnd   int
	ServerPortStart int // UDP unicast: server source port range, in the reply
	ServerPortEnd   int

	Destination string // UDP multicast: group address
	TTL         int     // UDP multicast

	InterleavedStart int // TCP: channel pair
	InterleavedEnd   int
}

func NewTransportHeaderLine(transports []TransportInfo) TransportHeaderLine {
	return TransportHeaderLine{
		GenericHeaderLine: NewGenericHeaderLine(HeaderNameTransport, ""),
		Transports:        transports,
	}
}

type TransportHeaderLine struct {
	GenericHeaderLine
	Transports []TransportInfo
}

// ParseTransportHeaderLine parses a "Transport: ..." request line.
// Grounded on original_source/src/rtsp_requests.cpp's substring scan for
// "multicast", "RTP/AVP/TCP", "client_port=" and "interleaved=".
func ParseTransportHeaderLine(ln string) TransportHeaderLine {
	valueStr := strings.TrimPrefix(ln, HeaderNameTransport+": ")
	valueStr = strings.Trim(valueStr, " \r\n")

	transportSpecs := strings.Split(valueStr, ",")
	transports := make([]TransportInfo, 0, len(transportSpecs))

	for _, spec := range transportSpecs {
		spec = strings.TrimSpace(spec)
		parts := strings.Split(spec, ";")
		if len(parts) == 0 || parts[0] == "" {
			continue
		}

		protoParts := strings.Split(parts[0], "/")
		ti := TransportInfo{Protocol: protoParts[0]}
		if len(protoParts) > 1 {
			ti.Profile = protoParts[1]
		}
		if len(protoParts) > 2 && protoParts[2] == "TCP" {
			ti.IsTCP = true
		}

		for _, p := range parts[1:] {
			switch {
			case p == "unicast":
				ti.Unicast = true
			case p == "multicast":
				ti.Multicast = true
			case strings.HasPrefix(p, "client_port="):
				ti.ClientPortStart, ti.ClientPortEnd = parsePortRange(strings.TrimPrefix(p, "client_port="))
			case strings.HasPrefix(p, "port="):
				ti.ClientPortStart, ti.ClientPortEnd = parsePortRange(strings.TrimPrefix(p, "port="))
			case strings.HasPrefix(p, "server_port="):
				ti.ServerPortStart, ti.ServerPortEnd = parsePortRange(strings.TrimPrefix(p, "server_port="))
			case strings.HasPrefix(p, "interleaved="):
				ti.InterleavedStart, ti.InterleavedEnd = parsePortRange(strings.TrimPrefix(p, "interleaved="))
				ti.IsTCP = true
			case strings.HasPrefix(p, "destination="):
				ti.Destination = strings.TrimPrefix(p, "destination=")
			case strings.HasPrefix(p, "ttl="):
				ti.TTL, _ = strconv.Atoi(strings.TrimPrefix(p, "ttl="))
			}
		}

		transports = append(transports, ti)
	}

	return TransportHeaderLine{
		GenericHeaderLine: NewGenericHeaderLine(HeaderNameTransport, valueStr),
		Transports:        transports,
	}
}

func parsePortRange(s string) (int, int) {
	parts := strings.SplitN(s, "-", 2)
	start, _ := strconv.Atoi(parts[0])
	end := start
	if len(parts) > 1 {
		end, _ = strconv.Atoi(parts[1])
	}
	return start, end
}

func (h TransportHeaderLine) Marshal() ([]byte, error) {
	line := fmt.Appendf(nil, "%s: ", h.Name())

	for i, t := range h.Transports {
		profile := t.Profile
		if profile == "" {
			profile = "AVP"
		}
		if t.IsTCP {
			line = fmt.Appendf(line, "%s/%s/TCP", t.Protocol, profile)
		} else {
			line = fmt.Appendf(line, "%s/%s", t.Protocol, profile)
		}

		if t.Multicast {
			line = fmt.Append(line, ";multicast")
		} else {
			line = fmt.Append(line, ";unicast")
		}

		switch {
		case t.IsTCP:
			line = fmt.Appendf(line, ";interleaved=%d-%d", t.InterleavedStart, t.InterleavedEnd)
		case t.Multicast:
			line = fmt.Appendf(line, ";destination=%s;port=%d-%d;ttl=%d",
				t.Destination, t.ClientPortStart, t.ClientPortEnd, t.TTL)
		default:
			line = fmt.Appendf(line, ";client_port=%d-%d;server_port=%d-%d",
				t.ClientPortStart, t.ClientPortEnd, t.ServerPortStart, t.ServerPortEnd)
		}

		if i+1 < len(h.Transports) {
			line = append(line, ',')
		}
	}

	return append(line, "\r\n"...), nil
}

func (h TransportHeaderLine) Name() string {
	return HeaderNameTransport
}

func ParseHeaderLine(line string) (HeaderLine, error) {
	line = strings.Trim(line, "\r\n ")

	// validate "k: v" format
	if !strings.Contains(line, ": ") {
		return nil, errors.New("header line not in 'k: v' format")
	}

	// split name and val
	sp := strings.SplitN(line, ": ", 2)
	name := sp[0]
	val := sp[1]

	// name or val cannot be empty
	if len(name) == 0 || len(val) == 0 {
		return nil, errors.New("empty name or value in header line")
	}

	// handle structured header fields first, the rest can be GenericHeaderLine by default.
	switch name {
	case HeaderNameTransport:
		return ParseTransportHeaderLine(line), nil
	default:
		return GenericHeaderLine{name: name, rawValue: val}, nil
	}
}
