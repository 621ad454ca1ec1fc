package rtsp

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"log"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/brightwing/rtspcam/sdp"
	"github.com/pkg/errors"
)

// requestBufferSize is the hard ceiling on a single RTSP request's
// header block (request line + headers, up to the blank line). A
// control message that never reaches "\r\n\r\n" within this many bytes
// is rejected rather than read forever.
const requestBufferSize = 8 * 1024

// ErrRequestTooLarge is returned by readRequest when a request's header
// block exceeds requestBufferSize without terminating.
var ErrRequestTooLarge = errors.New("rtsp: request too large")

// MuxProvisioner is the subset of the RTP transport layer that SETUP
// needs: lazily-created per-kind sockets, and their local port once
// bound. The concrete implementation lives in package rtp; rtsp only
// depends on this interface to avoid an import cycle (rtp imports rtsp
// for Session/MediaKind, not the reverse).
type MuxProvisioner interface {
	// EnsureUnicastSocket lazily opens (if needed) the shared UDP
	// unicast send socket for kind and returns its bound local port.
	EnsureUnicastSocket(kind MediaKind) (localPort int, err error)
	// EnsureMulticastSocket lazily opens (if needed) the multicast
	// send socket for kind, configured with the server's TTL.
	EnsureMulticastSocket(kind MediaKind) error
	// CloseSharedSockets releases every lazily-opened socket. Called
	// once the registry has no sessions left.
	CloseSharedSockets()
}

// Config is the Engine's configuration surface: everything needed to
// answer DESCRIBE/SETUP without further input.
type Config struct {
	ListenAddr string // e.g. "0.0.0.0:554"
	ServerIP   string // advertised in Content-Base and the SDP o= line

	MulticastGroup    string // advertised destination= for multicast SETUP
	MulticastTTL      int
	MulticastBasePort int // video/audio/subtitles each get a 2-port RTP/RTCP pair starting here

	MaxClients       int // hard ceiling, unicast/TCP sessions
	MulticastClients int // ceiling once the admission profile is multicast

	SampleRateHz int // audio clock rate, advertised in SDP

	EnableVideo     bool
	EnableAudio     bool
	EnableSubtitles bool
}

// Engine is the RTSP control-plane server: the Control Loop (accept +
// admission) plus the per-connection request loop that drives each
// session's state machine.
type Engine struct {
	cfg      Config
	registry *Registry
	mux      MuxProvisioner
	handler  handler

	listener      net.Listener
	interruptOnce sync.Once
}

func NewEngine(cfg Config, registry *Registry, mux MuxProvisioner) *Engine {
	e := &Engine{cfg: cfg, registry: registry, mux: mux}

	m := newDefaultMux()
	m.handle(OPTIONS, HandlerFunc(e.handleOptions))
	m.handle(DESCRIBE, HandlerFunc(e.handleDescribe))
	m.handle(SETUP, HandlerFunc(e.handleSetup))
	m.handle(PLAY, HandlerFunc(e.handlePlay))
	m.handle(PAUSE, HandlerFunc(e.handlePause))
	m.handle(TEARDOWN, HandlerFunc(e.handleTeardown))

	e.handler = HandlerFunc(handleSettingFinalHeaders)
	e.handler = e.handler.withMiddleware(m)
	e.handler = e.handler.withMiddleware(HandlerFunc(e.handleSettingContextSession))
	e.handler = e.handler.withMiddleware(HandlerFunc(handleMirrorCSeqHeader))

	return e
}

// ListenAndServe runs the Control Loop: accept connections, reject
// over the admission cap with a bare 503 at accept time (spec.md §4.4
// admission rule, step 3), and hand everything else to a per-connection
// goroutine.
func (e *Engine) ListenAndServe() error {
	log.Printf("rtsp: listening on %s", e.cfg.ListenAddr)

	ls, err := net.Listen("tcp", e.cfg.ListenAddr)
	if err != nil {
		return errors.Wrap(err, "rtsp: listen")
	}
	e.listener = ls
	defer e.listener.Close()

	for {
		conn, err := ls.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			log.Printf("rtsp: accept error: %v", err)
			continue
		}

		if e.registry.ActiveClients() >= e.registry.EffectiveCap() {
			conn.Write([]byte(RTSPVersionString + " 503 Service Unavailable\r\n\r\n"))
			conn.Close()
			continue
		}

		go e.serveConnection(conn)
	}
}

func (e *Engine) Interrupt(err error) {
	e.interruptOnce.Do(func() {
		log.Printf("rtsp: interrupting: %v", err)
		e.listener.Close()
		log.Println("rtsp: shutdown complete")
	})
}

// serveConnection runs one client's request loop until TEARDOWN, a
// read/write error, or a request-too-large violation closes it. Every
// session created on this connection is owned by this goroutine alone.
func (e *Engine) serveConnection(conn net.Conn) {
	raddr := conn.RemoteAddr()
	log.Printf("rtsp: serving %v", raddr)

	r := bufio.NewReader(conn)
	// A session is scoped to its control connection for its whole life
	// (grounded on original_source/src/rtsp_requests.cpp, where
	// session.sessionID already exists by the time DESCRIBE runs): it
	// is minted here, before the first request is even read, and only
	// registered with the Registry once a SETUP admits it.
	sess := NewSession(conn)

	defer func() {
		e.teardownSession(sess)
		conn.Close()
		log.Printf("rtsp: closed %v", raddr)
	}()

	for {
		req, err := readRequest(r)
		if errors.Is(err, ErrBadRequest) {
			resp, _ := newResponse(BadRequest).marshal()
			sess.writeMu.Lock()
			_, err = conn.Write(resp)
			sess.writeMu.Unlock()
			if err != nil {
				log.Printf("rtsp: write error to %v: %v", raddr, err)
				return
			}
			continue
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Printf("rtsp: read error from %v: %v", raddr, err)
			}
			return
		}

		ctx := newRequestContext(conn, &req, newResponse(OK), sess)
		e.handler.serveRTSP(ctx)

		resp, err := ctx.response.marshal()
		if err != nil {
			log.Printf("rtsp: marshal error for %v: %v", raddr, err)
			resp, _ = newResponse(InternalServerError).marshal()
		}

		sess.writeMu.Lock()
		_, err = conn.Write(resp)
		sess.writeMu.Unlock()
		if err != nil {
			log.Printf("rtsp: write error to %v: %v", raddr, err)
			return
		}

		if req.Method == TEARDOWN && ctx.response.StatusCode == OK {
			return
		}
	}
}

// readRequest reads one RTSP request off r: it discards any interleaved
// RTP/RTCP frames (a leading 0x24 byte) that arrive ahead of a request,
// then reads the header block up to "\r\n\r\n" within requestBufferSize,
// then the body if Content-Length says there is one.
func readRequest(r *bufio.Reader) (Request, error) {
	buf := make([]byte, 0, 256)

	for {
		b, err := r.ReadByte()
		if err != nil {
			return Request{}, err
		}

		if len(buf) == 0 && b == 0x24 {
			if err := discardInterleavedFrame(r); err != nil {
				return Request{}, err
			}
			continue
		}

		buf = append(buf, b)

		if len(buf) > requestBufferSize {
			return Request{}, ErrRequestTooLarge
		}

		if bytes.HasSuffix(buf, []byte("\r\n\r\n")) {
			break
		}
	}

	req, err := newRequestFromString(string(buf))
	if err != nil {
		return Request{}, err
	}

	if cl, ok := req.Headers.GetLine(HeaderNameContentLength); ok {
		n, err := strconv.Atoi(strings.TrimSpace(cl.ValueNoError()))
		if err == nil && n > 0 {
			body := make([]byte, n)
			if _, err := io.ReadFull(r, body); err != nil {
				return req, err
			}
			req.Body = body
		}
	}

	return req, nil
}

// discardInterleavedFrame consumes and drops one "$ channel len(2)"
// framed block plus its payload. Binary frames and RTCP-style packets
// arriving on the control connection are silently ignored, not parsed.
func discardInterleavedFrame(r *bufio.Reader) error {
	hdr := make([]byte, 3)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return err
	}
	length := int(hdr[1])<<8 | int(hdr[2])
	if length > 0 {
		if _, err := io.CopyN(io.Discard, r, int64(length)); err != nil {
			return err
		}
	}
	return nil
}

func dateHeaderValue(t time.Time) string {
	return t.UTC().Format("Mon, 02 Jan 2006 15:04:05") + " GMT"
}

// --- handler chain -----------------------------------------------------

type handler interface {
	serveRTSP(*requestContext)
	withMiddleware(handler) handler
}

type serveMux map[RTSPMethod]handler

func newDefaultMux() serveMux {
	return make(serveMux)
}

func (m serveMux) handle(method RTSPMethod, h handler) {
	m[method] = h
}

func (m serveMux) serveRTSP(ctx *requestContext) {
	h, ok := m[ctx.request.Method]
	if !ok {
		ctx.response.writeHeader(MethodNotAllowed)
		return
	}
	h.serveRTSP(ctx)
}

func (m serveMux) withMiddleware(mdl handler) handler {
	return newMiddleWare(mdl, m)
}

// HandlerFunc adapts an ordinary function to the handler interface.
type HandlerFunc func(*requestContext)

func (f HandlerFunc) serveRTSP(ctx *requestContext) {
	f(ctx)
}

func (f HandlerFunc) withMiddleware(mdl handler) handler {
	return newMiddleWare(mdl, f)
}

type Middleware struct {
	handler     handler
	nextHandler handler
}

func newMiddleWare(handler handler, nextHandler handler) Middleware {
	return Middleware{handler: handler, nextHandler: nextHandler}
}

func (m Middleware) serveRTSP(ctx *requestContext) {
	m.handler.serveRTSP(ctx)
	if ctx.response.StatusCode == OK {
		m.nextHandler.serveRTSP(ctx)
	}
}

func (m Middleware) withMiddleware(mdl handler) handler {
	return newMiddleWare(mdl, m)
}

func handleMirrorCSeqHeader(ctx *requestContext) {
	cseq, ok := ctx.request.Headers.GetLine(HeaderNameCSeq)
	if !ok {
		ctx.response.writeHeader(BadRequest)
		return
	}

	if _, err := strconv.Atoi(strings.TrimSpace(cseq.ValueNoError())); err != nil {
		ctx.response.writeHeader(BadRequest)
		return
	}

	ctx.response.Headers.PutGenericLine(HeaderNameCSeq, cseq.ValueNoError())
}

func handleSettingFinalHeaders(ctx *requestContext) {
	if n := len(ctx.response.Body); n == 0 {
		ctx.response.Headers.Delete(HeaderNameContentLength)
	} else {
		ctx.response.Headers.PutGenericLine(HeaderNameContentLength, strconv.Itoa(n))
	}

	ctx.response.Headers.PutGenericLine(HeaderNameDate, dateHeaderValue(time.Now()))
}

// handleSettingContextSession validates the Session header against the
// connection-local session (a session belongs to exactly one control
// connection for the whole of its life, so there is no cross-connection
// lookup). OPTIONS, DESCRIBE, and SETUP may run before the client has
// ever been told its session_id; every other method must present it.
func (e *Engine) handleSettingContextSession(ctx *requestContext) {
	switch ctx.request.Method {
	case OPTIONS, DESCRIBE, SETUP:
		return
	}

	sessionHeader, ok := ctx.request.Headers.GetLine(HeaderNameSession)
	if !ok {
		ctx.response.writeHeader(SessionNotFound)
		return
	}

	id, err := strconv.ParseUint(strings.TrimSpace(sessionHeader.ValueNoError()), 10, 32)
	if err != nil || SessionID(id) != ctx.session.ID {
		ctx.response.writeHeader(SessionNotFound)
		return
	}
}

// --- RTSP method handlers -----------------------------------------------

func (e *Engine) handleOptions(ctx *requestContext) {
	ctx.response.Headers.PutGenericLine(HeaderNamePublic, "DESCRIBE, SETUP, PLAY, PAUSE, TEARDOWN")
}

func (e *Engine) handleDescribe(ctx *requestContext) {
	ctx.session.transitionByMethod(DESCRIBE)
	body := e.buildSDP(ctx.session.ID)

	ctx.response.Headers.PutGenericLine(HeaderNameContentType, "application/sdp")
	ctx.response.Headers.PutGenericLine(HeaderNameContentBase, fmt.Sprintf("rtsp://%s/", e.cfg.ServerIP))
	ctx.response.writeBody([]byte(body))
}

func mediaKindFromPath(path string) (MediaKind, bool) {
	switch strings.Trim(path, "/ ") {
	case "video":
		return KindVideo, true
	case "audio":
		return KindAudio, true
	case "subtitles":
		return KindSubtitles, true
	default:
		return 0, false
	}
}

func (e *Engine) handleSetup(ctx *requestContext) {
	kind, ok := mediaKindFromPath(ctx.request.URL.Path)
	if !ok {
		ctx.response.writeHeader(NotFound)
		return
	}

	line, ok := ctx.request.Headers.GetLine(HeaderNameTransport)
	if !ok {
		ctx.response.writeHeader(BadRequest)
		return
	}
	th, ok := line.(TransportHeaderLine)
	if !ok || len(th.Transports) == 0 {
		ctx.response.writeHeader(BadRequest)
		return
	}
	reqT := th.Transports[0]
	sess := ctx.session

	if _, ok := sess.State.After(SETUP); !ok {
		ctx.response.writeHeader(MethodNotValidInThisState)
		return
	}

	isFirstSetup := sess.State == Init || sess.State == Described

	// A session's first SETUP goes through admission; a later SETUP for
	// another media kind only has to keep the transport it was admitted on.
	if isFirstSetup {
		if !e.registry.AdmitSetup(reqT.Multicast, reqT.IsTCP) {
			ctx.response.writeHeader(UnsupportedTransport)
			return
		}
	} else if reqT.Multicast != sess.IsMulticast || reqT.IsTCP != sess.IsTCP {
		ctx.response.writeHeader(UnsupportedTransport)
		return
	}

	reply := TransportInfo{Protocol: "RTP", Profile: "AVP", Multicast: reqT.Multicast, Unicast: !reqT.Multicast, IsTCP: reqT.IsTCP}

	sess.mu.Lock()
	sess.IsMulticast = reqT.Multicast
	sess.IsTCP = reqT.IsTCP

	switch {
	case reqT.IsTCP:
		sess.InterleaveCh[kind] = uint8(reqT.InterleavedStart)
		reply.InterleavedStart, reply.InterleavedEnd = reqT.InterleavedStart, reqT.InterleavedEnd

	case reqT.Multicast:
		if err := e.mux.EnsureMulticastSocket(kind); err != nil {
			sess.mu.Unlock()
			ctx.response.writeHeader(InternalServerError)
			return
		}
		port := e.cfg.MulticastBasePort + 2*int(kind)
		reply.Destination = e.cfg.MulticastGroup
		reply.TTL = e.cfg.MulticastTTL
		reply.ClientPortStart, reply.ClientPortEnd = port, port+1

	default: // UDP unicast
		localPort, err := e.mux.EnsureUnicastSocket(kind)
		if err != nil {
			sess.mu.Unlock()
			ctx.response.writeHeader(InternalServerError)
			return
		}
		sess.ClientPorts[kind] = reqT.ClientPortStart
		reply.ClientPortStart, reply.ClientPortEnd = reqT.ClientPortStart, reqT.ClientPortEnd
		reply.ServerPortStart, reply.ServerPortEnd = localPort, localPort+1
	}

	sess.transitionByMethod(SETUP)
	sess.mu.Unlock()

	if isFirstSetup {
		e.registry.Add(sess)
	}

	ctx.response.Headers.PutGenericLine(HeaderNameSession, strconv.FormatUint(uint64(sess.ID), 10))
	ctx.response.Headers.PutLine(NewTransportHeaderLine([]TransportInfo{reply}))
}

func (e *Engine) handlePlay(ctx *requestContext) {
	sess := ctx.session

	if !sess.transitionByMethod(PLAY) {
		ctx.response.writeHeader(MethodNotValidInThisState)
		return
	}
	e.registry.SetPlaying(sess, true)

	ctx.response.Headers.PutGenericLine(HeaderNameRange, "npt=0.000-")
	ctx.response.Headers.PutGenericLine(HeaderNameRTPInfo, fmt.Sprintf("url=%s", ctx.request.URL.String()))
}

func (e *Engine) handlePause(ctx *requestContext) {
	sess := ctx.session

	if !sess.transitionByMethod(PAUSE) {
		ctx.response.writeHeader(MethodNotValidInThisState)
		return
	}
	e.registry.SetPlaying(sess, false)
}

func (e *Engine) handleTeardown(ctx *requestContext) {
	sess := ctx.session
	sess.transitionByMethod(TEARDOWN)
	e.teardownSession(sess)
}

// buildSDP renders the DESCRIBE body, tagging it with a vendor "tool"
// attribute via the same sdp-tag reflection a client-side SDP parser
// would use to read it back (sdp.PopulateStructFromAttributes).
func (e *Engine) buildSDP(id SessionID) string {
	extra, err := sdp.ExtraFromVendorInfo(&sdp.VendorInfo{Tool: "rtspcamd"})
	if err != nil {
		extra = nil
	}

	return sdp.Build(sdp.Params{
		SessionID:       uint32(id),
		ServerIP:        e.cfg.ServerIP,
		SampleRateHz:    e.cfg.SampleRateHz,
		EnableVideo:     e.cfg.EnableVideo,
		EnableAudio:     e.cfg.EnableAudio,
		EnableSubtitles: e.cfg.EnableSubtitles,
		Extra:           extra,
	})
}

// teardownSession removes sess from the registry and releases shared
// sockets once no session remains. Idempotent: Registry.Remove is a
// no-op on a session already gone, so calling this twice (once from
// handleTeardown, once from serveConnection's defer on a dropped
// connection) is safe.
func (e *Engine) teardownSession(sess *Session) {
	sess.setPlaying(false)
	e.registry.Remove(sess.ID)

	if e.registry.ActiveClients() == 0 {
		e.mux.CloseSharedSockets()
	}
}
