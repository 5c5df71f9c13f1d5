package transport

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"net"
	"time"

	"github.com/TheSmallBoat/h3pump/lib"
	"github.com/lithdew/kademlia"
	"github.com/rs/zerolog"
)

type RecvInfo struct {
	From net.Addr
	To   net.Addr
}

type SendInfo struct {
	From net.Addr
	To   net.Addr
	At   time.Time
}

// Session is one end of a secure, multiplexed datagram connection. It owns
// no socket: datagrams are fed in with Recv and pulled out with Send. A
// Session is not safe for concurrent use.
type Session struct {
	cfg      *Config
	log      zerolog.Logger
	isServer bool
	now      func() time.Time

	scid  []byte
	dcid  []byte
	odcid []byte

	local net.Addr
	peer  net.Addr

	serverName string

	kp       keyPair
	initSeal *keys
	initOpen *keys
	seal     *keys
	open     *keys

	hello        []byte
	helloPending bool
	peerKey      kademlia.PublicKey

	peerParams    transportParams
	hasPeerParams bool

	established bool
	closed      bool
	closeFrame  *closeFrame
	peerErr     *PeerCloseError
	localErr    error
	timedOut    bool

	nextPN         uint32
	recvd          rangeSet
	largestRecvdAt time.Time
	ackPending     bool

	rec    *recovery
	probes int

	streams  map[uint64]*stream
	gone     map[uint64]struct{}
	rrCursor uint64

	maxData      uint64 // peer credit for the whole connection
	dataWritten  uint64
	localMaxData uint64
	dataWindow   uint64
	dataRecvd    uint64
	dataConsumed uint64

	control []frame

	dgramRecv [][]byte
	dgramSend [][]byte

	idleTimeout  time.Duration
	idleDeadline time.Time

	stats Stats
}

func newSession(cfg *Config, isServer bool, scid []byte, local, peer net.Addr) (*Session, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if len(scid) != ConnIDLen {
		return nil, fmt.Errorf("transport: source connection id must be %d bytes, got %d", ConnIDLen, len(scid))
	}

	kp, err := generateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("transport: failed to generate key share: %w", err)
	}

	role := "client"
	if isServer {
		role = "server"
	}

	s := &Session{
		cfg:          cfg,
		log:          cfg.Logger.With().Str("role", role).Str("scid", hex.EncodeToString(scid)).Logger(),
		isServer:     isServer,
		now:          time.Now,
		scid:         append([]byte(nil), scid...),
		local:        local,
		peer:         peer,
		kp:           kp,
		rec:          newRecovery(cfg.MaxSendUDPPayloadSize),
		streams:      make(map[uint64]*stream),
		gone:         make(map[uint64]struct{}),
		localMaxData: cfg.InitialMaxData,
		dataWindow:   cfg.InitialMaxData,
		idleTimeout:  cfg.MaxIdleTimeout,
	}
	s.resetIdle(s.now())
	return s, nil
}

// Connect creates a client session and queues its first Initial packet.
func Connect(serverName string, scid []byte, local, peer net.Addr, cfg *Config) (*Session, error) {
	s, err := newSession(cfg, false, scid, local, peer)
	if err != nil {
		return nil, err
	}

	if s.dcid, err = NewConnectionID(); err != nil {
		return nil, err
	}
	s.odcid = s.dcid
	if s.initSeal, s.initOpen, err = initialKeys(s.odcid, false); err != nil {
		return nil, err
	}

	s.serverName = serverName
	s.hello = clientHello{Pub: s.kp.pub, Params: cfg.localParams(), ServerName: serverName}.AppendTo(nil)
	s.helloPending = true

	s.log.Debug().Str("odcid", hex.EncodeToString(s.odcid)).Msg("connecting")
	return s, nil
}

// Accept creates a server session for a client whose first Initial packet
// was addressed to odcid.
func Accept(scid, odcid []byte, local, peer net.Addr, cfg *Config) (*Session, error) {
	if cfg.SecretKey == kademlia.ZeroPrivateKey {
		return nil, fmt.Errorf("transport: server sessions require a secret key")
	}
	if len(odcid) == 0 || len(odcid) > MaxConnIDLen {
		return nil, fmt.Errorf("%w: bad original destination connection id", ErrInvalidPacket)
	}
	s, err := newSession(cfg, true, scid, local, peer)
	if err != nil {
		return nil, err
	}
	s.odcid = append([]byte(nil), odcid...)
	if s.initSeal, s.initOpen, err = initialKeys(s.odcid, true); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Session) IsServer() bool      { return s.isServer }
func (s *Session) IsEstablished() bool { return s.established }
func (s *Session) IsClosed() bool      { return s.closed }
func (s *Session) IsTimedOut() bool    { return s.timedOut }
func (s *Session) SourceID() []byte    { return s.scid }
func (s *Session) LocalAddr() net.Addr { return s.local }
func (s *Session) PeerAddr() net.Addr  { return s.peer }

// PeerKey is the identity the server proved during the handshake.
func (s *Session) PeerKey() kademlia.PublicKey { return s.peerKey }

// PeerError returns the close the peer sent, if any.
func (s *Session) PeerError() *PeerCloseError { return s.peerErr }

// LocalError returns the protocol error that made this end close, if any.
func (s *Session) LocalError() error { return s.localErr }

// Recv processes one datagram, which may hold several coalesced packets.
func (s *Session) Recv(buf []byte, info RecvInfo) (int, error) {
	if s.closed {
		return 0, ErrDone
	}
	if len(buf) == 0 {
		return 0, ErrBufferTooShort
	}
	if s.peer == nil && info.From != nil {
		s.peer = info.From
	}
	if s.local == nil && info.To != nil {
		s.local = info.To
	}

	now := s.now()
	done := 0
	for done < len(buf) {
		n, err := s.recvPacket(buf[done:], now)
		if err != nil {
			s.stats.Dropped++
			if done == 0 {
				return 0, err
			}
			s.log.Debug().Err(err).Int("offset", done).Msg("dropping rest of coalesced datagram")
			break
		}
		done += n
		if s.closed {
			break
		}
	}
	return done, nil
}

func (s *Session) recvPacket(b []byte, now time.Time) (int, error) {
	hdr, err := ParseHeader(b)
	if err != nil {
		return 0, err
	}

	var k *keys
	switch hdr.Type {
	case PacketInitial, PacketHandshake:
		if hdr.Version != s.cfg.Version {
			return 0, fmt.Errorf("%w: 0x%08x", ErrUnknownVersion, hdr.Version)
		}
		if (hdr.Type == PacketInitial) != s.isServer {
			return 0, fmt.Errorf("%w: unexpected %s packet", ErrInvalidPacket, hdr.Type)
		}
		if !bytes.Equal(hdr.DCID, s.scid) && !(s.isServer && bytes.Equal(hdr.DCID, s.odcid)) {
			return 0, fmt.Errorf("%w: unknown destination connection id", ErrInvalidPacket)
		}
		k = s.initOpen
	case PacketOneRTT:
		if !bytes.Equal(hdr.DCID, s.scid) {
			return 0, fmt.Errorf("%w: unknown destination connection id", ErrInvalidPacket)
		}
		if s.open == nil {
			return 0, fmt.Errorf("%w: no 1-RTT keys yet", ErrCryptoFail)
		}
		k = s.open
	}

	size := hdr.size()
	pnEnd := hdr.pnOffset + packetNumLen
	payload, err := k.open(nil, b[:pnEnd], b[pnEnd:size], hdr.PN)
	if err != nil {
		return 0, err
	}

	pn := uint64(hdr.PN)
	if s.recvd.contains(pn) {
		return size, nil
	}

	if hdr.Long() && (s.dcid == nil || !s.isServer && !s.established) {
		s.dcid = append(s.dcid[:0:0], hdr.SCID...)
	}

	eliciting, err := s.processFrames(payload, hdr.Type, now)
	if err != nil {
		s.closeWithError(err)
		return 0, err
	}

	if largest, ok := s.recvd.largest(); !ok || pn > largest {
		s.largestRecvdAt = now
	}
	s.recvd.add(pn, pn+1)
	s.recvd.trimFront(2 * maxAckRanges)
	if eliciting {
		s.ackPending = true
	}

	s.resetIdle(now)
	s.stats.Recv++
	s.stats.RecvBytes += uint64(size)

	if s.isServer && hdr.Type == PacketOneRTT && !s.established {
		s.established = true
		s.log.Debug().Msg("handshake completed")
	}

	return size, nil
}

func (s *Session) processFrames(payload []byte, typ PacketType, now time.Time) (bool, error) {
	if len(payload) == 0 {
		return false, fmt.Errorf("%w: empty payload", ErrInvalidPacket)
	}

	eliciting := false
	for len(payload) > 0 && !s.closed {
		f, rest, err := parseFrame(payload)
		if err != nil {
			return eliciting, err
		}
		payload = rest

		_, isHello := f.(helloFrame)
		if typ == PacketOneRTT && isHello {
			return eliciting, fmt.Errorf("%w: hello in 1-RTT packet", ErrInvalidFrame)
		}
		if typ != PacketOneRTT {
			switch f.(type) {
			case helloFrame, ackFrame, paddingFrame, pingFrame, closeFrame:
			default:
				return eliciting, fmt.Errorf("%w: frame not allowed in %s packet", ErrInvalidFrame, typ)
			}
		}

		if f.ackEliciting() {
			eliciting = true
		}
		if err := s.processFrame(f, now); err != nil {
			return eliciting, err
		}
	}
	return eliciting, nil
}

func (s *Session) processFrame(f frame, now time.Time) error {
	switch f := f.(type) {
	case paddingFrame, pingFrame:
	case ackFrame:
		return s.onAckFrame(f, now)
	case helloFrame:
		return s.onHello(f.data)
	case streamFrame:
		return s.onStreamFrame(f)
	case resetStreamFrame:
		return s.onResetStream(f)
	case stopSendingFrame:
		return s.onStopSending(f)
	case maxDataFrame:
		if f.max > s.maxData {
			s.maxData = f.max
		}
	case maxStreamDataFrame:
		st, err := s.streamForPeerCredit(f.streamID)
		if err != nil || st == nil {
			return err
		}
		if f.max > st.send.maxData {
			st.send.maxData = f.max
		}
	case closeFrame:
		s.peerErr = &PeerCloseError{App: f.app, Code: f.code, Reason: string(f.reason)}
		s.closed = true
		s.log.Debug().Err(s.peerErr).Msg("peer closed connection")
	case datagramFrame:
		if s.cfg.MaxDatagramQueueLen <= 0 {
			return fmt.Errorf("%w: datagrams not negotiated", ErrInvalidFrame)
		}
		if len(s.dgramRecv) >= s.cfg.MaxDatagramQueueLen {
			s.dgramRecv = s.dgramRecv[1:]
		}
		s.dgramRecv = append(s.dgramRecv, append([]byte(nil), f.data...))
	}
	return nil
}

func (s *Session) onHello(data []byte) error {
	if s.isServer {
		return s.onClientHello(data)
	}
	return s.onServerHello(data)
}

func (s *Session) onClientHello(data []byte) error {
	if s.seal != nil {
		// The client retransmitted; answer again.
		if !s.established {
			s.helloPending = true
		}
		return nil
	}

	ch, err := unmarshalClientHello(data)
	if err != nil {
		return err
	}
	shared, err := s.kp.shared(ch.Pub)
	if err != nil {
		return err
	}
	if s.seal, s.open, err = oneRTTKeys(shared, s.odcid, true); err != nil {
		return err
	}
	s.serverName = ch.ServerName
	s.applyPeerParams(ch.Params)

	sh := serverHello{
		Pub:    s.kp.pub,
		Params: s.cfg.localParams(),
		KadId:  kadID(s.cfg.SecretKey, s.local),
	}
	sh.Signature = s.cfg.SecretKey.Sign(sh.AppendPayloadTo(nil, ch.Pub[:], s.odcid))
	s.hello = sh.AppendTo(nil)
	s.helloPending = true

	s.log.Debug().Str("server_name", ch.ServerName).Msg("accepted client hello")
	return nil
}

func (s *Session) onServerHello(data []byte) error {
	if s.established {
		return nil
	}

	sh, err := unmarshalServerHello(data)
	if err != nil {
		return err
	}
	if err := sh.Validate(s.kp.pub[:], s.odcid, s.cfg); err != nil {
		return err
	}
	shared, err := s.kp.shared(sh.Pub)
	if err != nil {
		return err
	}
	if s.seal, s.open, err = oneRTTKeys(shared, s.odcid, false); err != nil {
		return err
	}
	s.applyPeerParams(sh.Params)
	s.peerKey = sh.KadId.Pub

	s.established = true
	s.helloPending = false
	s.control = append(s.control, pingFrame{})

	s.log.Debug().Str("peer_key", hex.EncodeToString(sh.KadId.Pub[:])).Msg("handshake completed")
	return nil
}

func (s *Session) applyPeerParams(p transportParams) {
	s.peerParams = p
	s.hasPeerParams = true
	s.maxData = p.initialMaxData

	if p.maxIdleTimeout > 0 {
		peerIdle := time.Duration(p.maxIdleTimeout) * time.Millisecond
		if s.idleTimeout == 0 || peerIdle < s.idleTimeout {
			s.idleTimeout = peerIdle
		}
	}
}

func (s *Session) onAckFrame(f ackFrame, now time.Time) error {
	largest, _ := f.ranges.largest()
	if largest >= uint64(s.nextPN) {
		return fmt.Errorf("%w: ack for unsent packet %d", ErrInvalidFrame, largest)
	}

	delay := time.Duration(f.delay) * time.Microsecond
	acked, lost := s.rec.onAck(f.ranges, delay, now)
	for _, p := range acked {
		s.onPacketAcked(p)
	}
	for _, p := range lost {
		s.onPacketLost(p)
	}
	return nil
}

func (s *Session) onPacketAcked(p *sentPacket) {
	for _, r := range p.streams {
		st, ok := s.streams[r.id]
		if !ok || st.send == nil {
			continue
		}
		st.send.onAcked(r.off, r.n, r.fin)
		s.gcStream(st)
	}
}

func (s *Session) onPacketLost(p *sentPacket) {
	s.stats.Lost++

	if p.hello && !s.established {
		s.helloPending = true
	}

	for _, r := range p.streams {
		st, ok := s.streams[r.id]
		if !ok || st.send == nil {
			continue
		}
		st.send.onLost(r.off, r.n, r.fin)
	}

	for _, f := range p.control {
		switch f := f.(type) {
		case pingFrame:
		case maxDataFrame:
			s.queueControl(maxDataFrame{max: s.localMaxData})
		case maxStreamDataFrame:
			if st, ok := s.streams[f.streamID]; ok && st.recv != nil && !st.recv.finKnown {
				s.queueControl(maxStreamDataFrame{streamID: f.streamID, max: st.recv.maxData})
			}
		default:
			s.queueControl(f)
		}
	}
}

// queueControl replaces a queued window update for the same target.
func (s *Session) queueControl(f frame) {
	for i, q := range s.control {
		switch q := q.(type) {
		case maxDataFrame:
			if _, ok := f.(maxDataFrame); ok {
				s.control[i] = f
				return
			}
		case maxStreamDataFrame:
			if g, ok := f.(maxStreamDataFrame); ok && g.streamID == q.streamID {
				s.control[i] = f
				return
			}
		}
	}
	s.control = append(s.control, f)
}

// Send writes the next datagram to transmit into out.
func (s *Session) Send(out []byte) (int, SendInfo, error) {
	if s.closed {
		return 0, SendInfo{}, ErrDone
	}
	if len(out) < MinClientInitialLen {
		return 0, SendInfo{}, ErrBufferTooShort
	}

	limit := len(out)
	if limit > s.cfg.MaxSendUDPPayloadSize {
		limit = s.cfg.MaxSendUDPPayloadSize
	}
	if s.hasPeerParams && s.peerParams.maxUDPPayloadSize > 0 && uint64(limit) > s.peerParams.maxUDPPayloadSize {
		limit = int(s.peerParams.maxUDPPayloadSize)
	}
	out = out[:limit]

	now := s.now()

	var (
		n   int
		err error
	)
	switch {
	case s.closeFrame != nil:
		n, err = s.sendClose(out, now)
	case s.helloPending:
		n, err = s.sendHello(out, now)
	case s.seal != nil:
		n, err = s.sendOneRTT(out, now)
	default:
		err = ErrDone
	}
	if err != nil {
		return 0, SendInfo{}, err
	}

	s.stats.Sent++
	s.stats.SentBytes += uint64(n)
	return n, SendInfo{From: s.local, To: s.peer, At: now}, nil
}

func (s *Session) longPacketType() PacketType {
	if s.isServer {
		return PacketHandshake
	}
	return PacketInitial
}

func (s *Session) writePacket(out []byte, typ PacketType, payload []byte) (int, uint32, error) {
	pn := s.nextPN
	hdr := Header{Type: typ, Version: s.cfg.Version, DCID: s.dcid, SCID: s.scid, PN: pn}

	k := s.seal
	if typ != PacketOneRTT {
		k = s.initSeal
		hdr.Length = packetNumLen + len(payload) + aeadOverhead
	}

	header := hdr.AppendTo(out[:0])
	if len(header)+len(payload)+aeadOverhead > len(out) {
		return 0, 0, ErrBufferTooShort
	}
	packet := k.seal(header, header, payload, pn)

	s.nextPN++
	return len(packet), pn, nil
}

func (s *Session) maxPayload(out []byte, typ PacketType) int {
	if typ == PacketOneRTT {
		return len(out) - (1 + len(s.dcid) + packetNumLen) - aeadOverhead
	}
	return len(out) - longHeaderLen(s.dcid, s.scid) - aeadOverhead
}

func (s *Session) ackFrame(now time.Time) ackFrame {
	delay := now.Sub(s.largestRecvdAt)
	if delay < 0 {
		delay = 0
	}
	return ackFrame{ranges: append(rangeSet(nil), s.recvd...), delay: uint64(delay / time.Microsecond)}
}

func (s *Session) sendClose(out []byte, now time.Time) (int, error) {
	typ := PacketOneRTT
	if s.seal == nil {
		typ = s.longPacketType()
	}

	f := *s.closeFrame
	if room := s.maxPayload(out, typ) - 32; len(f.reason) > room {
		f.reason = f.reason[:room]
	}

	buf := lib.AcquireBuffer()
	defer lib.ReleaseBuffer(buf)
	buf.B = f.AppendTo(buf.B)

	n, _, err := s.writePacket(out, typ, buf.B)
	if err != nil {
		return 0, err
	}

	s.closed = true
	s.log.Debug().Bool("app", f.app).Uint64("code", f.code).Msg("sent connection close")
	return n, nil
}

func (s *Session) sendHello(out []byte, now time.Time) (int, error) {
	typ := s.longPacketType()

	buf := lib.AcquireBuffer()
	defer lib.ReleaseBuffer(buf)

	withAck := s.ackPending && len(s.recvd) > 0
	if withAck {
		buf.B = s.ackFrame(now).AppendTo(buf.B)
	}
	buf.B = helloFrame{data: s.hello}.AppendTo(buf.B)
	if len(buf.B) > s.maxPayload(out, typ) {
		return 0, ErrBufferTooShort
	}
	if !s.isServer {
		pad := MinClientInitialLen - (longHeaderLen(s.dcid, s.scid) + len(buf.B) + aeadOverhead)
		if pad > 0 {
			buf.B = paddingFrame{n: pad}.AppendTo(buf.B)
		}
	}

	n, pn, err := s.writePacket(out, typ, buf.B)
	if err != nil {
		return 0, err
	}

	s.helloPending = false
	if withAck {
		s.ackPending = false
	}
	s.rec.onPacketSent(&sentPacket{pn: pn, sentAt: now, size: n, ackEliciting: true, hello: true})
	return n, nil
}

func (s *Session) sendOneRTT(out []byte, now time.Time) (int, error) {
	limit := s.maxPayload(out, PacketOneRTT)

	buf := lib.AcquireBuffer()
	defer lib.ReleaseBuffer(buf)

	p := &sentPacket{sentAt: now}

	withAck := s.ackPending && len(s.recvd) > 0
	if withAck {
		buf.B = s.ackFrame(now).AppendTo(buf.B)
	}

	if s.rec.available() > 0 || s.probes > 0 {
		for len(s.control) > 0 {
			f := s.control[0]
			if len(buf.B)+frameLen(f) > limit {
				break
			}
			buf.B = f.AppendTo(buf.B)
			p.control = append(p.control, f)
			p.ackEliciting = true
			s.control = s.control[1:]
		}

		for len(s.dgramSend) > 0 {
			f := datagramFrame{data: s.dgramSend[0]}
			if len(buf.B)+frameLen(f) > limit {
				break
			}
			buf.B = f.AppendTo(buf.B)
			p.ackEliciting = true
			s.dgramSend = s.dgramSend[1:]
		}

		if s.emitStreams(&buf.B, p, limit) {
			p.ackEliciting = true
		}
	}

	if len(buf.B) == 0 {
		return 0, ErrDone
	}

	n, pn, err := s.writePacket(out, PacketOneRTT, buf.B)
	if err != nil {
		return 0, err
	}
	p.pn = pn
	p.size = n

	if withAck {
		s.ackPending = false
	}
	if p.ackEliciting && s.probes > 0 {
		s.probes--
	}
	s.rec.onPacketSent(p)
	return n, nil
}

// emitStreams packs stream frames round-robin, starting after the stream
// served last.
func (s *Session) emitStreams(b *[]byte, p *sentPacket, limit int) bool {
	ids := s.sortedStreamIDs(func(st *stream) bool { return st.send != nil && st.send.pending() })
	if len(ids) == 0 {
		return false
	}

	start := 0
	for i, id := range ids {
		if id > s.rrCursor {
			start = i
			break
		}
	}

	emitted := false
	for i := 0; i < len(ids); i++ {
		id := ids[(start+i)%len(ids)]
		st := s.streams[id]
		for {
			room := limit - len(*b)
			overhead := streamFrameOverhead(id, st.send.written(), room)
			if room < overhead {
				return emitted
			}
			off, data, fin, ok := st.send.emit(room - overhead)
			if !ok {
				break
			}
			*b = streamFrame{streamID: id, offset: off, data: data, fin: fin}.AppendTo(*b)
			p.streams = append(p.streams, sentStream{id: id, off: off, n: uint64(len(data)), fin: fin})
			s.rrCursor = id
			emitted = true
		}
	}
	return emitted
}

// Timeout returns how long until OnTimeout must be called. The second
// result is false when no timer is armed.
func (s *Session) Timeout() (time.Duration, bool) {
	if s.closed {
		return 0, false
	}
	if s.closeFrame != nil {
		return 0, true
	}

	var (
		deadline time.Time
		armed    bool
	)
	if s.idleTimeout > 0 {
		deadline, armed = s.idleDeadline, true
	}
	if pto, ok := s.rec.ptoDeadline(); ok && (!armed || pto.Before(deadline)) {
		deadline, armed = pto, true
	}
	if !armed {
		return 0, false
	}

	d := deadline.Sub(s.now())
	if d < 0 {
		d = 0
	}
	return d, true
}

// OnTimeout handles whichever timer expired.
func (s *Session) OnTimeout() {
	if s.closed {
		return
	}
	now := s.now()

	if s.idleTimeout > 0 && !now.Before(s.idleDeadline) {
		s.closed = true
		s.timedOut = true
		s.log.Debug().Dur("idle_timeout", s.idleTimeout).Msg("connection timed out")
		return
	}

	if pto, ok := s.rec.ptoDeadline(); ok && !now.Before(pto) {
		s.stats.PTOs++
		for _, p := range s.rec.onPTO() {
			s.onPacketLost(p)
		}
		s.probes = 2
		if !s.hasPendingEliciting() {
			s.control = append(s.control, pingFrame{})
		}
		s.log.Debug().Int("pto_count", s.rec.ptoCount).Msg("probe timeout")
	}
}

func (s *Session) hasPendingEliciting() bool {
	if s.helloPending || len(s.control) > 0 || len(s.dgramSend) > 0 {
		return true
	}
	for _, st := range s.streams {
		if st.send != nil && st.send.pending() {
			return true
		}
	}
	return false
}

func (s *Session) resetIdle(now time.Time) {
	if s.idleTimeout > 0 {
		s.idleDeadline = now.Add(s.idleTimeout)
	}
}

// Close queues a CONNECTION_CLOSE. The session reports closed once that
// packet has been produced by Send.
func (s *Session) Close(app bool, code uint64, reason []byte) error {
	if s.closed || s.closeFrame != nil {
		return ErrDone
	}
	s.closeFrame = &closeFrame{app: app, code: code, reason: append([]byte(nil), reason...)}
	s.log.Debug().Bool("app", app).Uint64("code", code).Bytes("reason", reason).Msg("closing connection")
	return nil
}

func (s *Session) closeWithError(err error) {
	if s.closed || s.closeFrame != nil {
		return
	}
	s.localErr = err
	reason := err.Error()
	if len(reason) > 64 {
		reason = reason[:64]
	}
	s.closeFrame = &closeFrame{code: errorCode(err), reason: []byte(reason)}
	s.log.Debug().Err(err).Msg("closing connection on protocol error")
}
