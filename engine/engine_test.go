package engine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/haipio/haip"
	"github.com/haipio/haip/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietConfig() Config {
	cfg := DefaultConfig()
	cfg.HandshakeTimeout = 2 * time.Second
	cfg.HeartbeatInterval = time.Hour
	cfg.AckDebtLimit = 1000
	cfg.AckFlushInterval = time.Hour
	return cfg
}

func sendEnv(t *testing.T, conn transport.Conn, env *haip.Envelope) {
	t.Helper()
	if env.ID == "" {
		env.ID = uuid.New().String()
	}
	if env.TS == 0 {
		env.TS = time.Now().UnixMilli()
	}
	data, err := env.Encode()
	require.NoError(t, err)
	require.NoError(t, conn.Send(context.Background(), transport.Text(data)))
}

func sendHai(t *testing.T, conn transport.Conn, seq uint64, session, lastRx string) {
	t.Helper()
	payload, err := haip.MarshalPayload(&haip.HaiPayload{
		HaipVersion: haip.Version,
		AcceptMajor: []int{haip.Major},
		LastRxSeq:   lastRx,
	})
	require.NoError(t, err)
	sendEnv(t, conn, &haip.Envelope{
		Session: session,
		Seq:     haip.FormatSeq(seq),
		Channel: haip.ChannelSystem,
		Type:    haip.TypeHai,
		Payload: payload,
	})
}

func sendText(t *testing.T, conn transport.Conn, session string, seq uint64, text string) {
	t.Helper()
	payload, err := haip.MarshalPayload(&haip.TextPartPayload{MessageID: "m1", Text: text})
	require.NoError(t, err)
	sendEnv(t, conn, &haip.Envelope{
		Session: session,
		Seq:     haip.FormatSeq(seq),
		Channel: haip.ChannelUser,
		Type:    haip.TypeTextPart,
		Payload: payload,
	})
}

// recvType reads frames until one of the wanted type arrives, skipping
// interleaved control traffic.
func recvType(t *testing.T, conn transport.Conn, want haip.EventType) *haip.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		frame, err := conn.Receive(ctx)
		require.NoError(t, err, "waiting for %s", want)
		if frame.Type != transport.FrameText {
			continue
		}
		env, err := haip.Decode(frame.Data)
		require.NoError(t, err)
		if env.Type == want {
			return env
		}
	}
}

func TestServerHandshakeFresh(t *testing.T) {
	e := New(RoleServer, quietConfig())
	defer e.Close()
	serverConn, clientConn := transport.Pipe()
	go e.ServeConn(context.Background(), serverConn)

	sendHai(t, clientConn, 1, "", "")
	reply := recvType(t, clientConn, haip.TypeHai)

	assert.NotEmpty(t, reply.Session)
	assert.Equal(t, "1", reply.Seq)
	assert.Equal(t, "1", reply.Ack)

	var hello haip.HaiPayload
	require.NoError(t, json.Unmarshal(reply.Payload, &hello))
	assert.Equal(t, haip.Version, hello.HaipVersion)
	assert.Contains(t, hello.AcceptMajor, haip.Major)

	session, ok := e.Session(reply.Session)
	require.True(t, ok)
	assert.Equal(t, SessionActive, session.State())
}

func TestServerHandshakeVersionIncompatible(t *testing.T) {
	e := New(RoleServer, quietConfig())
	defer e.Close()
	serverConn, clientConn := transport.Pipe()
	done := make(chan error, 1)
	go func() {
		_, err := e.ServeConn(context.Background(), serverConn)
		done <- err
	}()

	payload, err := haip.MarshalPayload(&haip.HaiPayload{HaipVersion: "9.0.0", AcceptMajor: []int{9}})
	require.NoError(t, err)
	sendEnv(t, clientConn, &haip.Envelope{
		Session: "",
		Seq:     "1",
		Channel: haip.ChannelSystem,
		Type:    haip.TypeHai,
		Payload: payload,
	})

	reject := recvType(t, clientConn, haip.TypeError)
	var ep haip.ErrorPayload
	require.NoError(t, json.Unmarshal(reject.Payload, &ep))
	assert.Equal(t, haip.ErrVersionIncompatible, ep.Code)
	require.Error(t, <-done)
	assert.Equal(t, 0, e.SessionCount())
}

func TestServerHandshakeRequiresHai(t *testing.T) {
	e := New(RoleServer, quietConfig())
	defer e.Close()
	serverConn, clientConn := transport.Pipe()
	done := make(chan error, 1)
	go func() {
		_, err := e.ServeConn(context.Background(), serverConn)
		done <- err
	}()

	sendText(t, clientConn, "", 1, "premature")
	require.Error(t, <-done)
}

func TestServerGapTriggersReplayRequest(t *testing.T) {
	delivered := make(chan string, 8)
	e := New(RoleServer, quietConfig(), WithEvents(&Events{
		OnMessage: func(s *Session, env *haip.Envelope) {
			var p haip.TextPartPayload
			_ = json.Unmarshal(env.Payload, &p)
			delivered <- p.Text
		},
	}))
	defer e.Close()
	serverConn, clientConn := transport.Pipe()
	go e.ServeConn(context.Background(), serverConn)

	sendHai(t, clientConn, 1, "", "")
	reply := recvType(t, clientConn, haip.TypeHai)
	sid := reply.Session

	// seq 3 before seq 2: the gap is requested exactly once, delivery waits
	sendText(t, clientConn, sid, 3, "third")
	replayReq := recvType(t, clientConn, haip.TypeReplayRequest)
	var p haip.ReplayRequestPayload
	require.NoError(t, json.Unmarshal(replayReq.Payload, &p))
	assert.Equal(t, "2", p.FromSeq)
	assert.Equal(t, "2", p.ToSeq)
	select {
	case text := <-delivered:
		t.Fatalf("delivered %q before the gap was filled", text)
	case <-time.After(50 * time.Millisecond):
	}

	// filling the gap releases both messages in seq order
	sendText(t, clientConn, sid, 2, "second")
	assert.Equal(t, "second", <-delivered)
	assert.Equal(t, "third", <-delivered)

	// duplicates are dropped silently
	sendText(t, clientConn, sid, 2, "second again")
	select {
	case text := <-delivered:
		t.Fatalf("duplicate delivered: %q", text)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestServerAnswersPing(t *testing.T) {
	e := New(RoleServer, quietConfig())
	defer e.Close()
	serverConn, clientConn := transport.Pipe()
	go e.ServeConn(context.Background(), serverConn)

	sendHai(t, clientConn, 1, "", "")
	reply := recvType(t, clientConn, haip.TypeHai)

	payload, err := haip.MarshalPayload(&haip.PingPayload{Nonce: "n-42"})
	require.NoError(t, err)
	sendEnv(t, clientConn, &haip.Envelope{
		Session: reply.Session,
		Seq:     "2",
		Channel: haip.ChannelSystem,
		Type:    haip.TypePing,
		Payload: payload,
	})

	pong := recvType(t, clientConn, haip.TypePong)
	var p haip.PongPayload
	require.NoError(t, json.Unmarshal(pong.Payload, &p))
	assert.Equal(t, "n-42", p.Nonce)
}

func TestServerReplaysOnRequest(t *testing.T) {
	e := New(RoleServer, quietConfig())
	defer e.Close()
	serverConn, clientConn := transport.Pipe()
	go e.ServeConn(context.Background(), serverConn)

	sendHai(t, clientConn, 1, "", "")
	reply := recvType(t, clientConn, haip.TypeHai)
	session, ok := e.Session(reply.Session)
	require.True(t, ok)

	ctx := context.Background()
	require.NoError(t, session.Send(ctx, haip.ChannelAgent, haip.TypeTextPart, &haip.TextPartPayload{MessageID: "m1", Text: "a"}))
	require.NoError(t, session.Send(ctx, haip.ChannelAgent, haip.TypeTextPart, &haip.TextPartPayload{MessageID: "m1", Text: "b"}))
	first := recvType(t, clientConn, haip.TypeTextPart)
	second := recvType(t, clientConn, haip.TypeTextPart)
	assert.Equal(t, "2", first.Seq)
	assert.Equal(t, "3", second.Seq)

	payload, err := haip.MarshalPayload(&haip.ReplayRequestPayload{FromSeq: "2", ToSeq: "3"})
	require.NoError(t, err)
	sendEnv(t, clientConn, &haip.Envelope{
		Session: reply.Session,
		Seq:     "2",
		Channel: haip.ChannelSystem,
		Type:    haip.TypeReplayRequest,
		Payload: payload,
	})

	// byte-for-byte identical re-emission, same seq and id
	replayedFirst := recvType(t, clientConn, haip.TypeTextPart)
	replayedSecond := recvType(t, clientConn, haip.TypeTextPart)
	assert.Equal(t, first, replayedFirst)
	assert.Equal(t, second, replayedSecond)
}

func TestServerReplayTooOld(t *testing.T) {
	cfg := quietConfig()
	cfg.ReplayWindowSize = 2
	cfg.ReplayWindowTime = time.Nanosecond
	e := New(RoleServer, cfg)
	defer e.Close()
	serverConn, clientConn := transport.Pipe()
	go e.ServeConn(context.Background(), serverConn)

	sendHai(t, clientConn, 1, "", "")
	reply := recvType(t, clientConn, haip.TypeHai)
	session, ok := e.Session(reply.Session)
	require.True(t, ok)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, session.Send(ctx, haip.ChannelAgent, haip.TypeTextPart, &haip.TextPartPayload{MessageID: "m1", Text: "x"}))
	}
	var lastText *haip.Envelope
	for i := 0; i < 5; i++ {
		lastText = recvType(t, clientConn, haip.TypeTextPart)
	}
	require.Equal(t, "6", lastText.Seq)

	// ack everything so the window can evict
	ackPayload, err := haip.MarshalPayload(&haip.TextPartPayload{MessageID: "m1", Text: "ack carrier"})
	require.NoError(t, err)
	sendEnv(t, clientConn, &haip.Envelope{
		Session: reply.Session,
		Seq:     "2",
		Ack:     "6",
		Channel: haip.ChannelUser,
		Type:    haip.TypeTextPart,
		Payload: ackPayload,
	})

	require.Eventually(t, func() bool { return session.replay.Floor() > 2 }, time.Second, 10*time.Millisecond)

	payload, err := haip.MarshalPayload(&haip.ReplayRequestPayload{FromSeq: "2"})
	require.NoError(t, err)
	sendEnv(t, clientConn, &haip.Envelope{
		Session: reply.Session,
		Seq:     "3",
		Channel: haip.ChannelSystem,
		Type:    haip.TypeReplayRequest,
		Payload: payload,
	})

	errEnv := recvType(t, clientConn, haip.TypeError)
	var ep haip.ErrorPayload
	require.NoError(t, json.Unmarshal(errEnv.Payload, &ep))
	assert.Equal(t, haip.ErrReplayTooOld, ep.Code)
}

func TestServerResume(t *testing.T) {
	e := New(RoleServer, quietConfig())
	defer e.Close()
	serverConn, clientConn := transport.Pipe()
	go e.ServeConn(context.Background(), serverConn)

	sendHai(t, clientConn, 1, "", "")
	reply := recvType(t, clientConn, haip.TypeHai)
	sid := reply.Session
	session, ok := e.Session(sid)
	require.True(t, ok)

	ctx := context.Background()
	require.NoError(t, session.Send(ctx, haip.ChannelAgent, haip.TypeTextPart, &haip.TextPartPayload{MessageID: "m1", Text: "lost-a"}))
	require.NoError(t, session.Send(ctx, haip.ChannelAgent, haip.TypeTextPart, &haip.TextPartPayload{MessageID: "m1", Text: "lost-b"}))
	recvType(t, clientConn, haip.TypeTextPart)
	recvType(t, clientConn, haip.TypeTextPart)

	// transport drops; the session stays resumable
	clientConn.Close()
	require.Eventually(t, func() bool { return session.State() == SessionDetached }, time.Second, 10*time.Millisecond)

	serverConn2, clientConn2 := transport.Pipe()
	go e.ServeConn(context.Background(), serverConn2)

	// the client claims it only saw the HAI reply (seq 1); 2 and 3 replay
	sendHai(t, clientConn2, 2, sid, "1")
	replayedFirst := recvType(t, clientConn2, haip.TypeTextPart)
	replayedSecond := recvType(t, clientConn2, haip.TypeTextPart)
	assert.Equal(t, "2", replayedFirst.Seq)
	assert.Equal(t, "3", replayedSecond.Seq)

	resumedHai := recvType(t, clientConn2, haip.TypeHai)
	assert.Equal(t, sid, resumedHai.Session)
	assert.Equal(t, "4", resumedHai.Seq)
	var hello haip.HaiPayload
	require.NoError(t, json.Unmarshal(resumedHai.Payload, &hello))
	assert.Equal(t, "2", hello.LastRxSeq)
	assert.Equal(t, 1, e.SessionCount())
}

func TestServerResumeRecoversLostClientSeqs(t *testing.T) {
	delivered := make(chan string, 8)
	e := New(RoleServer, quietConfig(), WithEvents(&Events{
		OnMessage: func(s *Session, env *haip.Envelope) {
			var p haip.TextPartPayload
			_ = json.Unmarshal(env.Payload, &p)
			delivered <- p.Text
		},
	}))
	defer e.Close()
	serverConn, clientConn := transport.Pipe()
	go e.ServeConn(context.Background(), serverConn)

	sendHai(t, clientConn, 1, "", "")
	reply := recvType(t, clientConn, haip.TypeHai)
	sid := reply.Session
	sendText(t, clientConn, sid, 2, "kept")
	assert.Equal(t, "kept", <-delivered)

	session, ok := e.Session(sid)
	require.True(t, ok)
	clientConn.Close()
	require.Eventually(t, func() bool { return session.State() == SessionDetached }, time.Second, 10*time.Millisecond)

	// seqs 3 and 4 died with the old transport; the resume HAI arrives at 5
	serverConn2, clientConn2 := transport.Pipe()
	go e.ServeConn(context.Background(), serverConn2)
	sendHai(t, clientConn2, 5, sid, "1")

	// the reply acknowledges what was actually processed, not the HAI seq,
	// so the client knows 3 and 4 are still owed
	resumedHai := recvType(t, clientConn2, haip.TypeHai)
	var hello haip.HaiPayload
	require.NoError(t, json.Unmarshal(resumedHai.Payload, &hello))
	assert.Equal(t, "2", hello.LastRxSeq)
	assert.Equal(t, "2", resumedHai.Ack)

	// replaying the owed range releases it in order; traffic continues at 6
	sendText(t, clientConn2, sid, 3, "lost-a")
	sendText(t, clientConn2, sid, 4, "lost-b")
	sendText(t, clientConn2, sid, 6, "fresh")
	assert.Equal(t, "lost-a", <-delivered)
	assert.Equal(t, "lost-b", <-delivered)
	assert.Equal(t, "fresh", <-delivered)
}

func TestIdlePeersExchangeNoAcks(t *testing.T) {
	cfg := quietConfig()
	cfg.AckFlushInterval = 50 * time.Millisecond
	server := New(RoleServer, cfg)
	defer server.Close()
	client := New(RoleClient, cfg)
	defer client.Close()

	serverConn, clientConn := transport.Pipe()
	go server.ServeConn(context.Background(), serverConn)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	session, err := client.Connect(ctx, clientConn)
	require.NoError(t, err)
	require.NoError(t, session.Send(ctx, haip.ChannelUser, haip.TypeTextPart, &haip.TextPartPayload{MessageID: "m1", Text: "one"}))

	// the outstanding debt flushes within a few ticks; after that both sides
	// must go quiet instead of acknowledging each other's ACKs
	time.Sleep(300 * time.Millisecond)
	before := session.seq.Last()
	time.Sleep(500 * time.Millisecond)
	assert.Equal(t, before, session.seq.Last())
}

func TestServerResumeFailedAssignsNewSession(t *testing.T) {
	e := New(RoleServer, quietConfig())
	defer e.Close()
	serverConn, clientConn := transport.Pipe()
	go e.ServeConn(context.Background(), serverConn)

	// resume of a session this server never had
	sendHai(t, clientConn, 1, "ghost-session", "7")
	reply := recvType(t, clientConn, haip.TypeHai)
	assert.NotEqual(t, "ghost-session", reply.Session)
	assert.NotEmpty(t, reply.Session)

	errEnv := recvType(t, clientConn, haip.TypeError)
	var ep haip.ErrorPayload
	require.NoError(t, json.Unmarshal(errEnv.Payload, &ep))
	assert.Equal(t, haip.ErrResumeFailed, ep.Code)
}

func TestFlowUpdateRequestAndGrant(t *testing.T) {
	e := New(RoleServer, quietConfig())
	defer e.Close()
	serverConn, clientConn := transport.Pipe()
	go e.ServeConn(context.Background(), serverConn)

	sendHai(t, clientConn, 1, "", "")
	reply := recvType(t, clientConn, haip.TypeHai)
	sid := reply.Session

	// consume one unit of USER credit, then ask for replenishment
	sendText(t, clientConn, sid, 2, "spend")
	payload, err := haip.MarshalPayload(&haip.FlowUpdatePayload{Channel: haip.ChannelUser})
	require.NoError(t, err)
	sendEnv(t, clientConn, &haip.Envelope{
		Session: sid,
		Seq:     "3",
		Channel: haip.ChannelSystem,
		Type:    haip.TypeFlowUpdate,
		Payload: payload,
	})

	grant := recvType(t, clientConn, haip.TypeFlowUpdate)
	var p haip.FlowUpdatePayload
	require.NoError(t, json.Unmarshal(grant.Payload, &p))
	assert.Equal(t, haip.ChannelUser, p.Channel)
	assert.EqualValues(t, 1, p.AddMessages)
	assert.Positive(t, p.AddBytes)
}

func TestUnsupportedTypeWithStrictAccept(t *testing.T) {
	cfg := quietConfig()
	cfg.AcceptEvents = []haip.EventType{haip.TypeTextPart}
	e := New(RoleServer, cfg)
	defer e.Close()
	serverConn, clientConn := transport.Pipe()
	go e.ServeConn(context.Background(), serverConn)

	sendHai(t, clientConn, 1, "", "")
	reply := recvType(t, clientConn, haip.TypeHai)

	sendEnv(t, clientConn, &haip.Envelope{
		Session: reply.Session,
		Seq:     "2",
		Channel: haip.ChannelUser,
		Type:    haip.EventType("VIDEO_FRAME"),
		Payload: json.RawMessage(`{}`),
	})

	errEnv := recvType(t, clientConn, haip.TypeError)
	var ep haip.ErrorPayload
	require.NoError(t, json.Unmarshal(errEnv.Payload, &ep))
	assert.Equal(t, haip.ErrUnsupportedType, ep.Code)
}

func TestClientServerRoundTrip(t *testing.T) {
	serverGot := make(chan string, 8)
	server := New(RoleServer, quietConfig(), WithEvents(&Events{
		OnMessage: func(s *Session, env *haip.Envelope) {
			if env.Type == haip.TypeTextPart {
				var p haip.TextPartPayload
				_ = json.Unmarshal(env.Payload, &p)
				serverGot <- p.Text
			}
		},
	}))
	defer server.Close()

	clientGot := make(chan *haip.Envelope, 8)
	client := New(RoleClient, quietConfig(), WithEvents(&Events{
		OnMessage: func(s *Session, env *haip.Envelope) { clientGot <- env },
	}))
	defer client.Close()

	serverConn, clientConn := transport.Pipe()
	go server.ServeConn(context.Background(), serverConn)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	session, err := client.Connect(ctx, clientConn)
	require.NoError(t, err)
	require.NotEmpty(t, session.ID)

	require.NoError(t, session.Send(ctx, haip.ChannelUser, haip.TypeTextPart, &haip.TextPartPayload{MessageID: "m1", Text: "hello"}))
	assert.Equal(t, "hello", <-serverGot)

	serverSession, ok := server.Session(session.ID)
	require.True(t, ok)
	require.NoError(t, serverSession.Send(ctx, haip.ChannelAgent, haip.TypeTextPart, &haip.TextPartPayload{MessageID: "m2", Text: "world"}))

	select {
	case env := <-clientGot:
		assert.Equal(t, haip.TypeTextPart, env.Type)
		assert.Equal(t, haip.ChannelAgent, env.Channel)
	case <-time.After(2 * time.Second):
		t.Fatal("client never received the reply")
	}
}

func TestClientServerToolCall(t *testing.T) {
	registry := NewRegistry()
	require.NoError(t, registry.Register(&Tool{
		Name:        "echo",
		InputSchema: json.RawMessage(`{"type":"object","required":["text"]}`),
		Handler: ToolHandlerFunc(func(ctx context.Context, params json.RawMessage, call *ToolCallContext) (json.RawMessage, error) {
			return params, nil
		}),
	}))
	server := New(RoleServer, quietConfig(), WithRegistry(registry))
	defer server.Close()

	clientGot := make(chan *haip.Envelope, 8)
	client := New(RoleClient, quietConfig(), WithEvents(&Events{
		OnMessage: func(s *Session, env *haip.Envelope) { clientGot <- env },
	}))
	defer client.Close()

	serverConn, clientConn := transport.Pipe()
	go server.ServeConn(context.Background(), serverConn)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	session, err := client.Connect(ctx, clientConn)
	require.NoError(t, err)

	require.NoError(t, session.Send(ctx, haip.ChannelUser, haip.TypeToolCall, &haip.ToolCallPayload{
		CallID: "c1",
		Tool:   "echo",
		Params: json.RawMessage(`{"text":"ping"}`),
	}))

	var done *haip.ToolDonePayload
	deadline := time.After(2 * time.Second)
	for done == nil {
		select {
		case env := <-clientGot:
			if env.Type == haip.TypeToolDone {
				var p haip.ToolDonePayload
				require.NoError(t, json.Unmarshal(env.Payload, &p))
				done = &p
			}
		case <-deadline:
			t.Fatal("TOOL_DONE never arrived")
		}
	}
	assert.Equal(t, "c1", done.CallID)
	assert.Equal(t, haip.ToolOK, done.Status)
	assert.JSONEq(t, `{"text":"ping"}`, string(done.Result))
}

func TestClientServerRunLifecycle(t *testing.T) {
	server := New(RoleServer, quietConfig())
	defer server.Close()

	runStarted := make(chan *Run, 1)
	client := New(RoleClient, quietConfig(), WithEvents(&Events{
		OnRunStarted: func(s *Session, run *Run) { runStarted <- run },
	}))
	defer client.Close()

	serverConn, clientConn := transport.Pipe()
	go server.ServeConn(context.Background(), serverConn)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	session, err := client.Connect(ctx, clientConn)
	require.NoError(t, err)

	// server assigns the run id and confirms with RUN_STARTED
	require.NoError(t, session.Send(ctx, haip.ChannelUser, haip.TypeRunStarted, &haip.RunStartedPayload{ThreadID: "t1"}))

	select {
	case run := <-runStarted:
		assert.NotEmpty(t, run.ID)
		assert.Equal(t, "t1", run.ThreadID)
		assert.Equal(t, haip.RunActive, run.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("RUN_STARTED confirmation never arrived")
	}
}

func TestHeartbeatDetachesUnresponsivePeer(t *testing.T) {
	cfg := quietConfig()
	cfg.HeartbeatInterval = 50 * time.Millisecond
	cfg.HeartbeatTimeout = 50 * time.Millisecond
	e := New(RoleServer, cfg)
	defer e.Close()
	serverConn, clientConn := transport.Pipe()
	go e.ServeConn(context.Background(), serverConn)

	sendHai(t, clientConn, 1, "", "")
	reply := recvType(t, clientConn, haip.TypeHai)
	session, ok := e.Session(reply.Session)
	require.True(t, ok)

	// a PING goes out after the idle interval; nobody answers
	ping := recvType(t, clientConn, haip.TypePing)
	assert.NotEmpty(t, ping.Payload)

	require.Eventually(t, func() bool { return session.State() == SessionDetached }, 2*time.Second, 10*time.Millisecond)
}

func TestBinaryFramePairing(t *testing.T) {
	got := make(chan []byte, 1)
	e := New(RoleServer, quietConfig(), WithEvents(&Events{
		OnBinary: func(s *Session, env *haip.Envelope, bin []byte) { got <- bin },
	}))
	defer e.Close()
	serverConn, clientConn := transport.Pipe()
	go e.ServeConn(context.Background(), serverConn)

	sendHai(t, clientConn, 1, "", "")
	reply := recvType(t, clientConn, haip.TypeHai)

	audio := []byte{0x01, 0x02, 0x03, 0x04}
	n := int64(len(audio))
	payload, err := haip.MarshalPayload(&haip.AudioChunkPayload{MessageID: "m1", Mime: "audio/pcm"})
	require.NoError(t, err)
	sendEnv(t, clientConn, &haip.Envelope{
		Session: reply.Session,
		Seq:     "2",
		Channel: haip.ChannelAudioIn,
		Type:    haip.TypeAudioChunk,
		Payload: payload,
		BinLen:  &n,
		BinMime: "audio/pcm",
	})
	require.NoError(t, clientConn.Send(context.Background(), transport.Binary(audio)))

	select {
	case bin := <-got:
		assert.Equal(t, audio, bin)
	case <-time.After(2 * time.Second):
		t.Fatal("binary frame never delivered")
	}
}

func TestBinaryFrameLengthMismatch(t *testing.T) {
	errs := make(chan *haip.Error, 4)
	e := New(RoleServer, quietConfig(), WithEvents(&Events{
		OnError: func(s *Session, err *haip.Error, action haip.Action) { errs <- err },
	}))
	defer e.Close()
	serverConn, clientConn := transport.Pipe()
	go e.ServeConn(context.Background(), serverConn)

	sendHai(t, clientConn, 1, "", "")
	reply := recvType(t, clientConn, haip.TypeHai)

	n := int64(10)
	payload, err := haip.MarshalPayload(&haip.AudioChunkPayload{MessageID: "m1", Mime: "audio/pcm"})
	require.NoError(t, err)
	sendEnv(t, clientConn, &haip.Envelope{
		Session: reply.Session,
		Seq:     "2",
		Channel: haip.ChannelAudioIn,
		Type:    haip.TypeAudioChunk,
		Payload: payload,
		BinLen:  &n,
		BinMime: "audio/pcm",
	})
	require.NoError(t, clientConn.Send(context.Background(), transport.Binary([]byte{0x01})))

	select {
	case herr := <-errs:
		assert.Equal(t, haip.ErrBinaryFrameError, herr.Code)
	case <-time.After(2 * time.Second):
		t.Fatal("length mismatch not reported")
	}
}
