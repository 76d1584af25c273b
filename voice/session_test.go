package voice

import (
	"bytes"
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"nhooyr.io/websocket"

	"github.com/diamondburned/arikawa-voice/discord"
	"github.com/diamondburned/arikawa-voice/utils/json"
	"github.com/diamondburned/arikawa-voice/utils/ws"
	"github.com/diamondburned/arikawa-voice/voice/dave"
	"github.com/diamondburned/arikawa-voice/voice/rtp"
	"github.com/diamondburned/arikawa-voice/voice/secure"
	"github.com/diamondburned/arikawa-voice/voice/udp"
	"github.com/diamondburned/arikawa-voice/voice/voicegateway"
)

const (
	testGuildID   discord.GuildID   = 1
	testChannelID discord.ChannelID = 2
	testUserID    discord.UserID    = 3
	testSSRC                        = 100
	testMode                        = secure.AEADXChaCha20Poly1305RTPSize
)

var testKey = [32]byte{1, 2, 3, 4, 5, 6, 7, 8, 9}

type datagram struct {
	data []byte
	at   time.Time
}

// udpServer is a loopback voice media server. It answers IP discovery and
// records every other datagram.
type udpServer struct {
	conn     net.PacketConn
	received chan datagram

	mu     sync.Mutex
	client net.Addr
}

func newUDPServer(t *testing.T) *udpServer {
	t.Helper()

	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal("failed to listen UDP:", err)
	}
	t.Cleanup(func() { conn.Close() })

	s := &udpServer{conn: conn, received: make(chan datagram, 64)}
	go s.serve()

	return s
}

func (s *udpServer) port() int { return s.conn.LocalAddr().(*net.UDPAddr).Port }

func (s *udpServer) serve() {
	buf := make([]byte, udp.MaxDatagramSize)

	for {
		n, addr, err := s.conn.ReadFrom(buf)
		if err != nil {
			return
		}

		var req udp.DiscoveryFrame
		if n == udp.DiscoverySize && req.UnmarshalBinary(buf[:n]) == nil && req.Type == 1 {
			s.mu.Lock()
			s.client = addr
			s.mu.Unlock()

			udpAddr := addr.(*net.UDPAddr)
			resp, _ := udp.DiscoveryFrame{
				Type:    2,
				SSRC:    req.SSRC,
				Address: udpAddr.IP.String(),
				Port:    uint16(udpAddr.Port),
			}.MarshalBinary()

			s.conn.WriteTo(resp, addr)
			continue
		}

		s.received <- datagram{
			data: append([]byte(nil), buf[:n]...),
			at:   time.Now(),
		}
	}
}

func (s *udpServer) send(t *testing.T, b []byte) {
	t.Helper()

	s.mu.Lock()
	client := s.client
	s.mu.Unlock()

	if client == nil {
		t.Fatal("no client discovered yet")
	}

	if _, err := s.conn.WriteTo(b, client); err != nil {
		t.Fatal("failed to send datagram:", err)
	}
}

type clientOp struct {
	Code ws.OpCode `json:"op"`
	Data json.Raw  `json:"d"`
	// Binary is the payload of a binary op.
	Binary []byte `json:"-"`
}

// gatewayConn is one accepted connection of the mock voice gateway.
type gatewayConn struct {
	t   *testing.T
	ctx context.Context
	c   *websocket.Conn

	// interval is the heartbeat interval sent in Hello. It defaults to one
	// second.
	interval discord.Milliseconds
	// beats counts the heartbeats received.
	beats atomic.Int64
}

func (g *gatewayConn) write(code ws.OpCode, data interface{}) {
	g.t.Helper()

	b, err := json.Marshal(struct {
		Code ws.OpCode   `json:"op"`
		Data interface{} `json:"d"`
	}{code, data})
	if err != nil {
		g.t.Error("failed to marshal op:", err)
		return
	}

	if err := g.c.Write(g.ctx, websocket.MessageText, b); err != nil {
		g.t.Error("mock gateway failed to write:", err)
	}
}

func (g *gatewayConn) writeBinary(seq uint16, code ws.OpCode, payload []byte) {
	g.t.Helper()

	b := append([]byte{byte(seq >> 8), byte(seq), byte(code)}, payload...)
	if err := g.c.Write(g.ctx, websocket.MessageBinary, b); err != nil {
		g.t.Error("mock gateway failed to write binary:", err)
	}
}

// read reads the next op that is not a heartbeat, acknowledging heartbeats on
// the way. ok is false once the client is gone.
func (g *gatewayConn) read() (op clientOp, ok bool) {
	for {
		typ, b, err := g.c.Read(g.ctx)
		if err != nil {
			return clientOp{}, false
		}

		if typ == websocket.MessageBinary {
			if len(b) == 0 {
				g.t.Error("mock gateway got an empty binary message")
				return clientOp{}, false
			}
			return clientOp{Code: ws.OpCode(b[0]), Binary: b[1:]}, true
		}

		if err := json.Unmarshal(b, &op); err != nil {
			g.t.Error("mock gateway got invalid JSON:", err)
			return clientOp{}, false
		}

		if op.Code != voicegateway.HeartbeatOp {
			return op, true
		}

		g.beats.Inc()

		var beat voicegateway.HeartbeatCommand
		op.Data.UnmarshalTo(&beat)
		g.write(voicegateway.HeartbeatAckOp, voicegateway.HeartbeatAckEvent{Nonce: beat.Nonce})
	}
}

func (g *gatewayConn) expect(code ws.OpCode) clientOp {
	g.t.Helper()

	op, ok := g.read()
	if !ok {
		g.t.Errorf("client left while expecting op %d", code)
		return op
	}
	if op.Code != code {
		g.t.Errorf("expected op %d, got %d", code, op.Code)
	}
	return op
}

func mockGateway(t *testing.T, script func(g *gatewayConn)) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Error("failed to accept:", err)
			return
		}
		defer c.Close(websocket.StatusNormalClosure, "")

		script(&gatewayConn{t: t, ctx: r.Context(), c: c})
	}))
	t.Cleanup(srv.Close)

	return srv
}

// handshake runs the server side of a full handshake. It returns the time the
// client's Speaking arrived.
func handshake(g *gatewayConn, udpPort int) time.Time {
	g.t.Helper()

	interval := g.interval
	if interval == 0 {
		interval = 1000
	}
	g.write(voicegateway.HelloOp, voicegateway.HelloEvent{HeartbeatInterval: interval})

	g.expect(voicegateway.IdentifyOp)
	g.write(voicegateway.ReadyOp, voicegateway.ReadyEvent{
		SSRC:  testSSRC,
		IP:    "127.0.0.1",
		Port:  udpPort,
		Modes: []string{"xsalsa20_poly1305", string(testMode)},
	})

	op := g.expect(voicegateway.SelectProtocolOp)

	var sel voicegateway.SelectProtocolCommand
	if err := op.Data.UnmarshalTo(&sel); err != nil {
		g.t.Error("invalid select protocol:", err)
	}
	if sel.Protocol != "udp" || sel.Data.Mode != string(testMode) || sel.Data.Address != "127.0.0.1" {
		g.t.Errorf("unexpected select protocol: %+v", sel)
	}

	g.write(voicegateway.SessionDescriptionOp, voicegateway.SessionDescriptionEvent{
		Mode:      string(testMode),
		SecretKey: testKey,
	})

	op = g.expect(voicegateway.SpeakingOp)
	at := time.Now()

	var speaking voicegateway.SpeakingCommand
	op.Data.UnmarshalTo(&speaking)
	if speaking.SSRC != testSSRC || speaking.Speaking != voicegateway.Microphone {
		g.t.Errorf("unexpected speaking: %+v", speaking)
	}

	return at
}

// serve keeps the connection alive until the client leaves.
func (g *gatewayConn) serve() {
	for {
		if _, ok := g.read(); !ok {
			return
		}
	}
}

func testOpts() *Opts {
	opts := DefaultOpts()
	opts.Gateway.SendLimiter = ws.NewUnlimited
	opts.Gateway.DialLimiter = ws.NewUnlimited()
	opts.Gateway.Gateway.ReconnectDelay = func(int) time.Duration { return 10 * time.Millisecond }
	opts.ConnectTimeout = 5 * time.Second
	return &opts
}

func testUpdates(srv *httptest.Server) (discord.VoiceState, discord.VoiceServer) {
	vs := discord.VoiceState{
		GuildID:   testGuildID,
		ChannelID: testChannelID,
		UserID:    testUserID,
		SessionID: "session",
	}
	vsrv := discord.VoiceServer{
		Token:    "token",
		GuildID:  testGuildID,
		Endpoint: "ws" + strings.TrimPrefix(srv.URL, "http"),
	}
	return vs, vsrv
}

func serverTransform(t *testing.T) *secure.Transform {
	t.Helper()

	tr, err := secure.New(testMode, testKey[:], nil)
	if err != nil {
		t.Fatal("failed to create transform:", err)
	}
	return tr
}

// sealPacket builds an audio packet as another user's client would send it.
func sealPacket(t *testing.T, tr *secure.Transform, ssrc uint32, seq uint16, payload string) []byte {
	t.Helper()

	header, err := rtp.Header{
		Version:     rtp.Version,
		PayloadType: rtp.OpusPayloadType,
		Sequence:    seq,
		Timestamp:   uint32(seq) * FrameSamples,
		SSRC:        ssrc,
	}.Encode()
	if err != nil {
		t.Fatal("failed to encode header:", err)
	}

	b, err := tr.Seal(nil, header, []byte(payload))
	if err != nil {
		t.Fatal("failed to seal:", err)
	}
	return b
}

// waitFor polls cond until it holds or ctx expires.
func waitFor(t *testing.T, ctx context.Context, what string, cond func() bool) {
	t.Helper()

	for !cond() {
		select {
		case <-time.After(5 * time.Millisecond):
		case <-ctx.Done():
			t.Fatal("timed out waiting for", what)
		}
	}
}

func TestSessionSendsPacedAudio(t *testing.T) {
	u := newUDPServer(t)
	speakingAt := make(chan time.Time, 1)

	srv := mockGateway(t, func(g *gatewayConn) {
		speakingAt <- handshake(g, u.port())
		g.serve()
	})

	s := NewSession(0, testOpts())

	if err := s.SendAudioFrame([]byte{1}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected before Connect, got %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	vs, vsrv := testUpdates(srv)
	if err := s.Connect(ctx, vs, vsrv); err != nil {
		t.Fatal("failed to connect:", err)
	}
	defer s.Disconnect(ctx)

	if status := s.Status(); status != voicegateway.Connected {
		t.Fatalf("expected Connected, got %v", status)
	}
	if ssrc := s.SSRC(); ssrc != testSSRC {
		t.Fatalf("expected SSRC %d, got %d", testSSRC, ssrc)
	}

	spokeAt := <-speakingAt
	frames := [][]byte{[]byte("frame one"), []byte("frame two"), []byte("frame three")}

	for _, f := range frames {
		if _, err := s.Write(f); err != nil {
			t.Fatal("failed to write frame:", err)
		}
	}

	tr := serverTransform(t)

	var (
		first, last time.Time
		lastSeq     uint16
		lastTS      uint32
	)

	for i, want := range frames {
		var d datagram
		select {
		case d = <-u.received:
		case <-ctx.Done():
			t.Fatalf("frame %d never arrived", i)
		}

		if d.at.Before(spokeAt) {
			t.Error("audio arrived before speaking was announced")
		}

		h, _, err := rtp.Decode(d.data)
		if err != nil {
			t.Fatalf("frame %d has invalid header: %v", i, err)
		}
		if h.SSRC != testSSRC || h.PayloadType != rtp.OpusPayloadType || h.Version != rtp.Version {
			t.Errorf("frame %d has unexpected header %+v", i, h)
		}

		if i > 0 {
			if h.Sequence != lastSeq+1 {
				t.Errorf("frame %d sequence %d does not follow %d", i, h.Sequence, lastSeq)
			}
			if h.Timestamp != lastTS+FrameSamples {
				t.Errorf("frame %d timestamp %d does not follow %d", i, h.Timestamp, lastTS)
			}
		} else {
			first = d.at
		}
		lastSeq, lastTS, last = h.Sequence, h.Timestamp, d.at

		payload, err := tr.OpenPacket(nil, d.data)
		if err != nil {
			t.Fatalf("frame %d does not open: %v", i, err)
		}
		if string(payload) != string(want) {
			t.Errorf("frame %d is %q, expected %q", i, payload, want)
		}
	}

	// Three frames span two frame durations, minus some scheduling slack.
	if span := last.Sub(first); span < 2*FrameDuration-5*time.Millisecond {
		t.Errorf("frames were not paced, span %v", span)
	}

	// Three frames make exactly three datagrams.
	select {
	case d := <-u.received:
		t.Errorf("unexpected datagram of %d bytes after the last frame", len(d.data))
	case <-time.After(5 * FrameDuration):
	}
}

func TestSessionReceivesFrames(t *testing.T) {
	const (
		remoteSSRC = 200
		remoteUser = discord.UserID(5)
	)

	u := newUDPServer(t)
	mapped := make(chan struct{})
	leave := make(chan struct{})

	srv := mockGateway(t, func(g *gatewayConn) {
		handshake(g, u.port())

		served := make(chan struct{})
		go func() {
			g.serve()
			close(served)
		}()

		<-mapped
		g.write(voicegateway.SpeakingOp, voicegateway.SpeakingEvent{
			UserID:   remoteUser,
			SSRC:     remoteSSRC,
			Speaking: voicegateway.Microphone,
		})

		<-leave
		g.write(voicegateway.ClientDisconnectOp, voicegateway.ClientDisconnectEvent{
			UserID: remoteUser,
		})

		<-served
	})

	s := NewSession(0, testOpts())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	vs, vsrv := testUpdates(srv)
	if err := s.Connect(ctx, vs, vsrv); err != nil {
		t.Fatal("failed to connect:", err)
	}
	defer s.Disconnect(ctx)

	tr := serverTransform(t)

	packet := func(seq uint16, payload string) []byte {
		return sealPacket(t, tr, remoteSSRC, seq, payload)
	}

	// Arrives before its SSRC is known, so it is held back.
	u.send(t, packet(1, "early"))
	time.Sleep(50 * time.Millisecond)

	close(mapped)

	// Garbage that must not stop the receive loop.
	u.send(t, []byte{0x80, 0xC8, 0x00, 0x01, 0, 0, 0, 1})
	u.send(t, []byte{0x80})

	u.send(t, packet(2, "second"))
	u.send(t, packet(2, "duplicate"))
	u.send(t, packet(3, "third"))

	want := []string{"early", "second", "third"}
	for i, payload := range want {
		select {
		case f := <-s.Frames():
			if f.UserID != remoteUser || f.SSRC != remoteSSRC {
				t.Errorf("frame %d from unexpected sender %v/%d", i, f.UserID, f.SSRC)
			}
			if f.Sequence != uint16(i+1) {
				t.Errorf("frame %d has sequence %d", i, f.Sequence)
			}
			if string(f.Data) != payload {
				t.Errorf("frame %d is %q, expected %q", i, f.Data, payload)
			}
		case <-ctx.Done():
			t.Fatalf("frame %d never arrived", i)
		}
	}

	if st := s.Stats(); st.SenderReports != 1 || st.FramesReceived != 3 {
		t.Errorf("unexpected stats %+v", st)
	}

	ev := waitEvent(t, ctx, s)
	speaking, ok := ev.(*SpeakingEvent)
	if !ok || speaking.UserID != remoteUser || !speaking.Speaking {
		t.Fatalf("unexpected event %#v", ev)
	}

	close(leave)

	ev = waitEvent(t, ctx, s)
	if dc, ok := ev.(*ClientDisconnectEvent); !ok || dc.UserID != remoteUser {
		t.Fatalf("unexpected event %#v", ev)
	}

	// The sender is gone, so its packets are held back again.
	time.Sleep(20 * time.Millisecond)
	u.send(t, packet(4, "after leaving"))

	select {
	case f := <-s.Frames():
		t.Fatalf("unexpected frame %+v", f)
	case <-time.After(100 * time.Millisecond):
	}
}

func waitEvent(t *testing.T, ctx context.Context, s *Session) Event {
	t.Helper()

	for {
		select {
		case ev := <-s.Events():
			if _, ok := ev.(*ReconnectError); ok {
				continue
			}
			return ev
		case <-ctx.Done():
			t.Fatal("event never arrived")
			return nil
		}
	}
}

func TestSessionDisconnect(t *testing.T) {
	u := newUDPServer(t)
	closed := make(chan struct{})

	srv := mockGateway(t, func(g *gatewayConn) {
		handshake(g, u.port())
		g.serve()
		close(closed)
	})

	s := NewSession(0, testOpts())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	vs, vsrv := testUpdates(srv)
	if err := s.Connect(ctx, vs, vsrv); err != nil {
		t.Fatal("failed to connect:", err)
	}

	if err := s.Connect(ctx, vs, vsrv); !errors.Is(err, ErrAlreadyConnected) {
		t.Fatalf("expected ErrAlreadyConnected, got %v", err)
	}

	if err := s.Disconnect(ctx); err != nil {
		t.Fatal("failed to disconnect:", err)
	}

	select {
	case <-s.Done():
	default:
		t.Fatal("session is not done after Disconnect")
	}

	if err := s.Err(); err != nil {
		t.Fatal("unexpected error after Disconnect:", err)
	}

	if err := s.SendAudioFrame([]byte{1}); !errors.Is(err, ErrCannotSend) {
		t.Fatalf("expected ErrCannotSend, got %v", err)
	}

	if _, ok := <-s.Frames(); ok {
		t.Fatal("frames channel is still open")
	}
	for range s.Events() {
	}

	select {
	case <-closed:
	case <-ctx.Done():
		t.Fatal("gateway connection was not closed")
	}
}

func TestSessionConnectTimeout(t *testing.T) {
	srv := mockGateway(t, func(g *gatewayConn) {
		g.write(voicegateway.HelloOp, voicegateway.HelloEvent{HeartbeatInterval: 1000})
		g.serve()
	})

	opts := testOpts()
	opts.ConnectTimeout = 200 * time.Millisecond

	s := NewSession(0, opts)

	vs, vsrv := testUpdates(srv)
	err := s.Connect(context.Background(), vs, vsrv)

	var connErr *ConnectionError
	if !errors.As(err, &connErr) {
		t.Fatalf("expected ConnectionError, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected a deadline error, got %v", err)
	}

	select {
	case <-s.Done():
	default:
		t.Fatal("session is not done after a failed Connect")
	}
}

func TestSessionTerminalClose(t *testing.T) {
	srv := mockGateway(t, func(g *gatewayConn) {
		g.write(voicegateway.HelloOp, voicegateway.HelloEvent{HeartbeatInterval: 1000})
		g.expect(voicegateway.IdentifyOp)
		g.c.Close(websocket.StatusCode(4004), "authentication failed")
	})

	s := NewSession(0, testOpts())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	vs, vsrv := testUpdates(srv)
	err := s.Connect(ctx, vs, vsrv)

	var terr *voicegateway.TerminalError
	if !errors.As(err, &terr) {
		t.Fatalf("expected TerminalError, got %v", err)
	}
	if terr.Code != 4004 {
		t.Fatalf("expected code 4004, got %d", terr.Code)
	}

	if !errors.Is(s.Err(), err.(*ConnectionError).Err) {
		t.Fatalf("session error %v does not match %v", s.Err(), err)
	}
}

func TestSessionIncompleteUpdate(t *testing.T) {
	s := NewSession(testUserID, testOpts())

	err := s.Connect(context.Background(), discord.VoiceState{GuildID: testGuildID}, discord.VoiceServer{})
	if !errors.Is(err, ErrIncompleteUpdate) {
		t.Fatalf("expected ErrIncompleteUpdate, got %v", err)
	}

	vs := discord.VoiceState{GuildID: testGuildID, SessionID: "session"}
	srv := discord.VoiceServer{Token: "token", GuildID: testGuildID + 1, Endpoint: "localhost:" + strconv.Itoa(1)}

	if err := s.Connect(context.Background(), vs, srv); !errors.Is(err, ErrIncompleteUpdate) {
		t.Fatalf("expected ErrIncompleteUpdate for mismatched guilds, got %v", err)
	}
}

func TestSessionConnectExpired(t *testing.T) {
	srv := mockGateway(t, func(g *gatewayConn) {
		t.Error("gateway dialed with an expired context")
	})

	s := NewSession(0, testOpts())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	vs, vsrv := testUpdates(srv)
	err := s.Connect(ctx, vs, vsrv)

	var connErr *ConnectionError
	if !errors.As(err, &connErr) {
		t.Fatalf("expected ConnectionError, got %v", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	if status := s.Status(); status != voicegateway.Disconnected {
		t.Fatalf("expected Disconnected, got %v", status)
	}
}

func TestSessionSendQueueDropsOldest(t *testing.T) {
	const written = 7

	u := newUDPServer(t)

	srv := mockGateway(t, func(g *gatewayConn) {
		handshake(g, u.port())
		g.serve()
	})

	opts := testOpts()
	opts.SendQueueSize = 4
	// Slow enough that the writes below outrun the pacer.
	opts.FrameDuration = 100 * time.Millisecond

	s := NewSession(0, opts)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	vs, vsrv := testUpdates(srv)
	if err := s.Connect(ctx, vs, vsrv); err != nil {
		t.Fatal("failed to connect:", err)
	}
	defer s.Disconnect(ctx)

	for i := 0; i < written; i++ {
		if err := s.SendAudioFrame([]byte{byte(i)}); err != nil {
			t.Fatal("failed to send frame:", err)
		}
	}

	tr := serverTransform(t)

	var sent []byte
	for len(sent) == 0 || sent[len(sent)-1] != written-1 {
		select {
		case d := <-u.received:
			payload, err := tr.OpenPacket(nil, d.data)
			if err != nil {
				t.Fatal("failed to open frame:", err)
			}
			sent = append(sent, payload...)
		case <-ctx.Done():
			t.Fatalf("last frame never arrived, got %v", sent)
		}
	}

	// The newest frames always go out, in order.
	if len(sent) < opts.SendQueueSize || !bytes.HasSuffix(sent, []byte{3, 4, 5, 6}) {
		t.Fatalf("newest frames missing: %v", sent)
	}
	for i := 1; i < len(sent); i++ {
		if sent[i] <= sent[i-1] {
			t.Fatalf("frames out of order: %v", sent)
		}
	}

	dropped := s.Dropped()
	if dropped == 0 || int(dropped)+len(sent) != written {
		t.Fatalf("%d frames sent and %d dropped out of %d", len(sent), dropped, written)
	}
	if st := s.Stats(); st.SendDropped != dropped {
		t.Fatalf("stats report %d dropped, expected %d", st.SendDropped, dropped)
	}

	select {
	case d := <-u.received:
		t.Fatalf("unexpected datagram of %d bytes", len(d.data))
	case <-time.After(2 * opts.FrameDuration):
	}
}

func TestSessionUndrainedFrames(t *testing.T) {
	const (
		remoteSSRC = 200
		remoteUser = discord.UserID(5)
		packets    = 20
	)

	u := newUDPServer(t)
	flood := make(chan struct{})
	beats := make(chan int64, 1)

	srv := mockGateway(t, func(g *gatewayConn) {
		g.interval = 50
		handshake(g, u.port())

		served := make(chan struct{})
		go func() {
			g.serve()
			close(served)
		}()

		g.write(voicegateway.SpeakingOp, voicegateway.SpeakingEvent{
			UserID:   remoteUser,
			SSRC:     remoteSSRC,
			Speaking: voicegateway.Microphone,
		})

		// More control traffic than the receive loop's control buffer holds.
		<-flood
		for i := 0; i < 64; i++ {
			user := discord.UserID(100 + i)
			g.write(voicegateway.SpeakingOp, voicegateway.SpeakingEvent{
				UserID:   user,
				SSRC:     uint32(1000 + i),
				Speaking: voicegateway.Microphone,
			})
			g.write(voicegateway.ClientDisconnectOp, voicegateway.ClientDisconnectEvent{
				UserID: user,
			})
		}

		before := g.beats.Load()
		time.Sleep(400 * time.Millisecond)
		beats <- g.beats.Load() - before

		<-served
	})

	opts := testOpts()
	opts.FrameQueueSize = 1

	s := NewSession(0, opts)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	vs, vsrv := testUpdates(srv)
	if err := s.Connect(ctx, vs, vsrv); err != nil {
		t.Fatal("failed to connect:", err)
	}
	defer s.Disconnect(ctx)

	if ev, ok := waitEvent(t, ctx, s).(*SpeakingEvent); !ok || ev.UserID != remoteUser {
		t.Fatalf("unexpected event %#v", ev)
	}

	tr := serverTransform(t)
	for seq := uint16(1); seq <= packets; seq++ {
		u.send(t, sealPacket(t, tr, remoteSSRC, seq, "frame"))
	}

	// Nobody reads Frames while the gateway floods the session.
	time.Sleep(100 * time.Millisecond)
	close(flood)

	select {
	case n := <-beats:
		// The interval is 50ms, so a healthy client sends about eight.
		if n < 3 {
			t.Fatalf("only %d heartbeats while frames were not read", n)
		}
	case <-ctx.Done():
		t.Fatal("gateway never counted heartbeats")
	}

	if status := s.Status(); status != voicegateway.Connected {
		t.Fatalf("expected Connected, got %v", status)
	}

	// Nothing was lost, only held back.
	for seq := uint16(1); seq <= packets; seq++ {
		select {
		case f := <-s.Frames():
			if f.Sequence != seq || f.UserID != remoteUser {
				t.Fatalf("expected frame %d from %v, got %d from %v", seq, remoteUser, f.Sequence, f.UserID)
			}
		case <-ctx.Done():
			t.Fatalf("frame %d never arrived", seq)
		}
	}

	if st := s.Stats(); st.FramesDropped != 0 || st.FramesReceived != packets {
		t.Fatalf("unexpected stats %+v", st)
	}
}

// testEngine is a group whose epoch advances with every commit.
type testEngine struct {
	epoch uint64
}

func epochKey(epoch uint64) []byte {
	return bytes.Repeat([]byte{0x40 + byte(epoch)}, secure.KeySize)
}

func (e *testEngine) Reset(int) error                         { e.epoch = 0; return nil }
func (e *testEngine) SetExternalSender([]byte) error          { return nil }
func (e *testEngine) KeyPackage() ([]byte, error)             { return []byte("key package"), nil }
func (e *testEngine) ProcessProposals([]byte) ([]byte, error) { return nil, nil }
func (e *testEngine) ProcessCommit([]byte) error              { e.epoch++; return nil }
func (e *testEngine) ProcessWelcome([]byte) error             { e.epoch = 1; return nil }

func (e *testEngine) EpochKey() (uint64, []byte, error) {
	return e.epoch, epochKey(e.epoch), nil
}

func TestSessionGroupRekey(t *testing.T) {
	u := newUDPServer(t)
	downgrade := make(chan struct{})

	srv := mockGateway(t, func(g *gatewayConn) {
		handshake(g, u.port())

		g.writeBinary(1, voicegateway.MLSExternalSenderOp, []byte("external sender"))

		op := g.expect(voicegateway.MLSKeyPackageOp)
		if string(op.Binary) != "key package" {
			g.t.Errorf("unexpected key package %q", op.Binary)
		}

		commit, _ := (&voicegateway.MLSAnnounceCommitEvent{
			TransitionID: 7,
			Commit:       []byte("commit"),
		}).MarshalBinary()
		g.writeBinary(2, voicegateway.MLSAnnounceCommitOp, commit)

		expectReady := func(id uint16) {
			op := g.expect(voicegateway.TransitionReadyOp)

			var ready voicegateway.TransitionReadyCommand
			op.Data.UnmarshalTo(&ready)
			if ready.TransitionID != id {
				g.t.Errorf("expected transition %d to be ready, got %d", id, ready.TransitionID)
			}
		}

		expectReady(7)
		g.write(voicegateway.ExecuteTransitionOp, voicegateway.ExecuteTransitionEvent{TransitionID: 7})

		<-downgrade
		g.write(voicegateway.PrepareTransitionOp, voicegateway.PrepareTransitionEvent{
			TransitionID:    8,
			ProtocolVersion: 0,
		})
		expectReady(8)
		g.write(voicegateway.ExecuteTransitionOp, voicegateway.ExecuteTransitionEvent{TransitionID: 8})

		g.serve()
	})

	engine := &testEngine{}

	opts := testOpts()
	opts.Group.NewEngine = func() dave.Engine { return engine }

	s := NewSession(0, opts)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	vs, vsrv := testUpdates(srv)
	if err := s.Connect(ctx, vs, vsrv); err != nil {
		t.Fatal("failed to connect:", err)
	}
	defer s.Disconnect(ctx)

	sessionTr := serverTransform(t)

	epochTr, err := secure.New(testMode, epochKey(1), nil)
	if err != nil {
		t.Fatal("failed to create epoch transform:", err)
	}

	// sendFrame sends one frame and checks which key it opens under.
	sendFrame := func(payload string, opens, rejects *secure.Transform) {
		t.Helper()

		if _, err := s.Write([]byte(payload)); err != nil {
			t.Fatal("failed to write frame:", err)
		}

		var d datagram
		select {
		case d = <-u.received:
		case <-ctx.Done():
			t.Fatalf("frame %q never arrived", payload)
		}

		plain, err := opens.OpenPacket(nil, d.data)
		if err != nil {
			t.Fatalf("frame %q does not open: %v", payload, err)
		}
		if string(plain) != payload {
			t.Fatalf("frame is %q, expected %q", plain, payload)
		}

		if _, err := rejects.OpenPacket(nil, d.data); !errors.Is(err, secure.ErrAuthenticationFailed) {
			t.Fatalf("frame %q opens under the wrong key, err=%v", payload, err)
		}
	}

	waitFor(t, ctx, "epoch 1", func() bool { return s.transform.Load().Epoch() == 1 })

	sendFrame("group one", epochTr, sessionTr)
	sendFrame("group two", epochTr, sessionTr)

	close(downgrade)

	waitFor(t, ctx, "downgrade", func() bool { return s.transform.Load().Epoch() == 0 })

	sendFrame("transport only", sessionTr, epochTr)

	if err := s.Err(); err != nil {
		t.Fatal("session failed:", err)
	}
}
