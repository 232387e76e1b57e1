package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/time/rate"

	"github.com/tenzoki/brokerlink/internal/buffer"
	"github.com/tenzoki/brokerlink/internal/brokerr"
)

type state int

const (
	stateAwaitingControl state = iota
	stateAwaitingPayload
)

var crlf = []byte("\r\n")

// assembler accumulates payload bytes for an in-progress MSG/HMSG.
type assembler struct {
	header  MsgHeader
	mode    PayloadMode
	want    int // header + payload + trailing CRLF
	got     []byte
}

func newAssembler(h MsgHeader, mode PayloadMode) *assembler {
	return &assembler{
		header: h,
		mode:   mode,
		want:   h.TotalLen + 2, // trailing CRLF
	}
}

func (a *assembler) remaining() int {
	return a.want - len(a.got)
}

func (a *assembler) feed(p []byte) {
	a.got = append(a.got, p...)
}

func (a *assembler) done() bool {
	return len(a.got) >= a.want
}

// Parser is the incremental AWAITING_CONTROL / AWAITING_PAYLOAD state
// machine described in spec.md §4.2. It owns no transport; the caller
// feeds bytes via Feed and receives events through a Handler.
type Parser struct {
	buf   *buffer.Buffer
	state state
	asm   *assembler
	mode  PayloadMode

	// YieldEvery bounds how many messages are dispatched per Feed call
	// before Feed returns early with yielded=true, letting the engine
	// service other work (spec.md §4.2 "yielding"). Zero disables the
	// count cap (Limiter can still yield). This is a hard cap; Limiter
	// below is the primary, time-based trigger when the caller
	// configures a yieldTime.
	YieldEvery int

	// Limiter, when set, bounds processing to the configured yieldTime
	// interval (spec.md §6 `yieldTime`): Feed yields as soon as the
	// limiter denies a token rather than counting messages, so a burst
	// of many small messages yields on elapsed time the same way a
	// burst of few large ones would.
	Limiter *rate.Limiter
}

// shouldYield reports whether Feed should return early after dispatching
// the processed-th message this call, per the YieldEvery cap and/or the
// Limiter's time-based policy.
func (p *Parser) shouldYield(processed int) bool {
	if p.YieldEvery > 0 && processed >= p.YieldEvery {
		return true
	}
	if p.Limiter != nil && !p.Limiter.Allow() {
		return true
	}
	return false
}

// New returns a Parser configured with the given payload decode mode.
func New(mode PayloadMode) *Parser {
	return &Parser{
		buf:   buffer.New(),
		state: stateAwaitingControl,
		mode:  mode,
	}
}

// Feed appends p to the internal buffer and processes as many complete
// frames as are available, invoking h for each. It reports whether the
// caller should yield (pause further processing) before more data is
// fed, per the YieldEvery guarantee of "at least one message per
// scheduling slice".
func (p *Parser) Feed(data []byte, h Handler) (yielded bool) {
	p.buf.Fill(data)
	processed := 0

	for {
		switch p.state {
		case stateAwaitingControl:
			line, ok := p.readLine()
			if !ok {
				return false
			}
			if len(line) > MaxControlLine {
				h.OnProtocolError(brokerr.New(brokerr.KindProtocolErr, "control line exceeds 1 MiB limit"))
				return false
			}
			if !p.dispatchControl(line, h) {
				// malformed/incomplete — wait for more bytes (line
				// already consumed is an error case signaled via
				// OnProtocolError inside dispatchControl when needed).
			}
		case stateAwaitingPayload:
			if p.asm == nil {
				p.state = stateAwaitingControl
				continue
			}
			remaining := p.asm.remaining()
			if remaining <= 0 {
				p.completeMessage(h)
				processed++
				if p.shouldYield(processed) {
					return true
				}
				continue
			}
			avail := p.buf.Len()
			if avail == 0 {
				return false
			}
			n := remaining
			if avail < n {
				n = avail
			}
			p.asm.feed(p.buf.Drain(n))
			if p.asm.done() {
				p.completeMessage(h)
				processed++
				if p.shouldYield(processed) {
					return true
				}
			} else {
				return false
			}
		}
	}
}

// readLine returns the next CRLF-terminated line, without the
// terminator, draining it from the buffer. ok is false if no complete
// line is yet available.
func (p *Parser) readLine() (line []byte, ok bool) {
	peek := p.buf.Peek()
	idx := bytes.Index(peek, crlf)
	if idx < 0 {
		return nil, false
	}
	full := p.buf.Drain(idx + 2)
	return full[:idx], true
}

// dispatchControl classifies a control line by its leading bytes and
// invokes the matching handler method. Returns false if the line was
// malformed in a way that should simply be ignored without protocol
// error (spec.md: "return without consuming" — here the line is already
// consumed since it was complete; a malformed recognized verb degrades
// to OnProtocolError).
func (p *Parser) dispatchControl(line []byte, h Handler) bool {
	if len(line) == 0 {
		return true
	}

	switch {
	case hasVerb(line, "MSG"):
		return p.startMessage(line, h, false)
	case hasVerb(line, "HMSG"):
		return p.startMessage(line, h, true)
	case hasVerb(line, "+OK"):
		h.OnOK()
		return true
	case hasVerb(line, "-ERR"):
		text := parseErrText(line)
		kind := classifyErr(text)
		h.OnErr(kind, text)
		return true
	case hasVerb(line, "PING"):
		h.OnPing()
		return true
	case hasVerb(line, "PONG"):
		h.OnPong()
		return true
	case hasVerb(line, "INFO"):
		return p.parseInfo(line, h)
	default:
		h.OnProtocolError(brokerr.New(brokerr.KindProtocolErr, fmt.Sprintf("unrecognized verb: %q", firstToken(line))))
		return false
	}
}

func hasVerb(line []byte, verb string) bool {
	if len(line) < len(verb) {
		return false
	}
	if !bytes.EqualFold(line[:len(verb)], []byte(verb)) {
		return false
	}
	if len(line) == len(verb) {
		return true
	}
	return line[len(verb)] == ' ' || line[len(verb)] == '\t'
}

func firstToken(line []byte) string {
	fields := bytes.Fields(line)
	if len(fields) == 0 {
		return ""
	}
	return string(fields[0])
}

func parseErrText(line []byte) string {
	s := strings.TrimSpace(string(line[4:]))
	s = strings.Trim(s, "'")
	return s
}

func classifyErr(text string) ErrKind {
	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, "authorization violation"):
		return ErrKindAuth
	case strings.Contains(lower, "permissions violation"):
		return ErrKindPerm
	default:
		return ErrKindProtocol
	}
}

func (p *Parser) parseInfo(line []byte, h Handler) bool {
	idx := bytes.IndexByte(line, ' ')
	if idx < 0 {
		h.OnProtocolError(brokerr.New(brokerr.KindProtocolErr, "INFO missing json body"))
		return false
	}
	var info Info
	if err := json.Unmarshal(bytes.TrimSpace(line[idx+1:]), &info); err != nil {
		h.OnProtocolError(brokerr.Wrap(brokerr.KindBadJSON, "failed to parse INFO json", err))
		return false
	}
	h.OnInfo(info)
	return true
}

// startMessage parses a MSG/HMSG control line and transitions to
// AWAITING_PAYLOAD. withHeaders selects the HMSG 5-field form
// (subject sid [reply] hdr_len total_len) over the MSG 4-field form
// (subject sid [reply] size).
func (p *Parser) startMessage(line []byte, h Handler, withHeaders bool) bool {
	fields := strings.Fields(string(line))
	// drop verb
	if len(fields) < 1 {
		h.OnProtocolError(brokerr.New(brokerr.KindBadMsg, "empty MSG line"))
		return false
	}
	args := fields[1:]

	minArgs, maxArgs := 3, 4
	if withHeaders {
		minArgs, maxArgs = 4, 5
	}
	if len(args) < minArgs || len(args) > maxArgs {
		h.OnProtocolError(brokerr.New(brokerr.KindBadMsg, fmt.Sprintf("malformed MSG/HMSG line: %q", string(line))))
		return false
	}

	hdr := MsgHeader{Subject: args[0], Sid: args[1], HasHeaders: withHeaders}
	rest := args[2:]

	if withHeaders {
		if len(rest) == 3 {
			hdr.Reply = rest[0]
			rest = rest[1:]
		}
		hdrLen, err1 := strconv.Atoi(rest[0])
		totalLen, err2 := strconv.Atoi(rest[1])
		if err1 != nil || err2 != nil || hdrLen < 0 || totalLen < hdrLen {
			h.OnProtocolError(brokerr.New(brokerr.KindBadMsg, "invalid HMSG length fields"))
			return false
		}
		hdr.HeaderLen = hdrLen
		hdr.TotalLen = totalLen
	} else {
		if len(rest) == 2 {
			hdr.Reply = rest[0]
			rest = rest[1:]
		}
		size, err := strconv.Atoi(rest[0])
		if err != nil || size < 0 {
			h.OnProtocolError(brokerr.New(brokerr.KindBadMsg, "invalid MSG size field"))
			return false
		}
		hdr.TotalLen = size
	}

	if hdr.Subject == "" || !isPrintableSubject(hdr.Subject) {
		h.OnProtocolError(brokerr.New(brokerr.KindBadSubject, fmt.Sprintf("invalid subject %q", hdr.Subject)))
		return false
	}

	p.asm = newAssembler(hdr, p.mode)
	p.state = stateAwaitingPayload
	return true
}

func isPrintableSubject(s string) bool {
	for _, r := range s {
		if r <= ' ' || r == 0x7f {
			return false
		}
	}
	return true
}

// completeMessage strips the trailing CRLF, splits off any header
// block, decodes the payload per the configured mode, and dispatches
// the finished Message. It always transitions back to
// AWAITING_CONTROL, whether or not decoding succeeded.
func (p *Parser) completeMessage(h Handler) {
	asm := p.asm
	p.asm = nil
	p.state = stateAwaitingControl

	raw := asm.got
	if len(raw) >= 2 {
		raw = raw[:len(raw)-2]
	}

	var headerBlock, payload []byte
	if asm.header.HasHeaders {
		hl := asm.header.HeaderLen
		if hl > len(raw) {
			hl = len(raw)
		}
		headerBlock = raw[:hl]
		payload = raw[hl:]
	} else {
		payload = raw
	}

	msg := Message{
		Subject: asm.header.Subject,
		Sid:     asm.header.Sid,
		Reply:   asm.header.Reply,
	}
	if len(headerBlock) > 0 {
		msg.Header = parseHeaderBlock(headerBlock)
	}

	switch asm.mode {
	case PayloadJSON:
		var v interface{}
		if err := json.Unmarshal(payload, &v); err != nil {
			msg.DecodeErr = brokerr.Wrap(brokerr.KindBadJSON, "failed to decode JSON payload", err)
		} else {
			msg.Decoded = v
		}
		msg.Data = payload
	default:
		msg.Data = payload
	}

	h.OnMsg(msg)
}

// parseHeaderBlock decodes an HMSG header block, which follows NATS's
// "NATS/1.0\r\nKey: Value\r\n...\r\n" framing, minus the trailing blank
// line already stripped by completeMessage's CRLF handling.
func parseHeaderBlock(block []byte) map[string][]string {
	out := make(map[string][]string)
	lines := bytes.Split(block, crlf)
	for _, line := range lines {
		if len(line) == 0 || bytes.HasPrefix(line, []byte("NATS/")) {
			continue
		}
		idx := bytes.IndexByte(line, ':')
		if idx < 0 {
			continue
		}
		k := strings.TrimSpace(string(line[:idx]))
		v := strings.TrimSpace(string(line[idx+1:]))
		out[k] = append(out[k], v)
	}
	return out
}
