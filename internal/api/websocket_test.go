package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/gray-logic-sirens/internal/auth"
	"github.com/nerrad567/gray-logic-sirens/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-sirens/internal/scenario"
	"github.com/nerrad567/gray-logic-sirens/internal/siren"
)

// ─── Hub Tests ─────────────────────────────────────────────────────

// hubClient registers a connectionless client on channels.
func hubClient(t *testing.T, hub *Hub, buffer int, channels ...string) *wsClient {
	t.Helper()
	c := &wsClient{
		hub:     hub,
		send:    make(chan []byte, buffer),
		done:    make(chan struct{}),
		subject: t.Name(),
	}
	if !hub.add(c, channels) {
		t.Fatal("hub refused client")
	}
	return c
}

// received drains every frame queued for c.
func received(t *testing.T, c *wsClient) []Frame {
	t.Helper()
	var out []Frame
	for {
		select {
		case data := <-c.send:
			var f Frame
			if err := json.Unmarshal(data, &f); err != nil {
				t.Fatalf("unmarshal %s: %v", data, err)
			}
			out = append(out, f)
		default:
			return out
		}
	}
}

func runIDOf(f Frame) string {
	payload, _ := f.Payload.(map[string]any)
	id, _ := payload["run_id"].(string)
	return id
}

func TestHub_PublishState(t *testing.T) {
	hub := NewHub(testWSConfig(), testLogger())
	all := hubClient(t, hub, 8, ChannelRuns)
	r1 := hubClient(t, hub, 8, RunChannel("r1"))
	both := hubClient(t, hub, 8, ChannelRuns, RunChannel("r1"))
	none := hubClient(t, hub, 8)

	hub.PublishState(scenario.StateEvent{RunID: "r1", Scenario: scenario.Doorbell, State: scenario.StateTriggering, At: time.Now()})
	hub.PublishState(scenario.StateEvent{RunID: "r2", Scenario: scenario.ClockChime, State: scenario.StateIdle, At: time.Now()})

	tests := []struct {
		name   string
		client *wsClient
		want   []string
	}{
		{"runs channel sees every run", all, []string{"r1", "r2"}},
		{"run channel sees only its run", r1, []string{"r1"}},
		{"overlapping channels deliver once", both, []string{"r1", "r2"}},
		{"no channels", none, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frames := received(t, tt.client)
			var got []string
			for _, f := range frames {
				if f.Type != FrameEvent || f.Event != scenario.EventStateChanged {
					t.Errorf("frame = %+v, want state event", f)
				}
				got = append(got, runIDOf(f))
			}
			if strings.Join(got, ",") != strings.Join(tt.want, ",") {
				t.Errorf("runs = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHub_EventPayload(t *testing.T) {
	hub := NewHub(testWSConfig(), testLogger())
	c := hubClient(t, hub, 1, RunChannel("r1"))

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	hub.PublishState(scenario.StateEvent{RunID: "r1", Scenario: scenario.SecurityAlarm, State: scenario.StateActiveIndefinite, At: at})

	frames := received(t, c)
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
	payload, _ := frames[0].Payload.(map[string]any)
	if payload["state"] != "active_indefinite" || payload["scenario"] != "security_alarm" {
		t.Errorf("payload = %v", payload)
	}
	if frames[0].Time != "2026-03-01T12:00:00Z" {
		t.Errorf("time = %q, want the event time", frames[0].Time)
	}
}

func TestHub_Unsubscribe(t *testing.T) {
	hub := NewHub(testWSConfig(), testLogger())
	c := hubClient(t, hub, 8, ChannelRuns, RunChannel("r1"))

	hub.unsubscribe(c, []string{ChannelRuns})
	hub.PublishState(scenario.StateEvent{RunID: "r2"})
	hub.PublishState(scenario.StateEvent{RunID: "r1"})

	frames := received(t, c)
	if len(frames) != 1 || runIDOf(frames[0]) != "r1" {
		t.Errorf("frames = %+v, want only r1", frames)
	}
}

func TestHub_SlowClientIsDisconnected(t *testing.T) {
	hub := NewHub(testWSConfig(), testLogger())
	slow := hubClient(t, hub, 1, ChannelRuns)
	fast := hubClient(t, hub, 8, ChannelRuns)

	hub.PublishState(scenario.StateEvent{RunID: "r1", State: scenario.StateIdle})
	hub.PublishState(scenario.StateEvent{RunID: "r1", State: scenario.StateConfiguring})

	select {
	case <-slow.done:
	default:
		t.Fatal("slow client still attached after its queue overflowed")
	}
	if n := hub.ClientCount(); n != 1 {
		t.Errorf("ClientCount() = %d, want 1", n)
	}
	if frames := received(t, fast); len(frames) != 2 {
		t.Errorf("fast client got %d frames, want 2", len(frames))
	}

	// Later events skip the dropped client.
	<-slow.send
	hub.PublishState(scenario.StateEvent{RunID: "r1", State: scenario.StateArmedWaiting})
	if frames := received(t, slow); len(frames) != 0 {
		t.Errorf("dropped client got %d frames", len(frames))
	}
}

func TestHub_RemoveAndShutdown(t *testing.T) {
	hub := NewHub(testWSConfig(), testLogger())
	a := hubClient(t, hub, 1, ChannelRuns)
	b := hubClient(t, hub, 1)
	if n := hub.ClientCount(); n != 2 {
		t.Fatalf("ClientCount() = %d, want 2", n)
	}

	hub.remove(a)
	hub.remove(a)
	if n := hub.ClientCount(); n != 1 {
		t.Errorf("after remove ClientCount() = %d, want 1", n)
	}

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(stopped)
	}()
	cancel()
	<-stopped

	select {
	case <-b.done:
	default:
		t.Error("client not closed on shutdown")
	}
	late := &wsClient{hub: hub, send: make(chan []byte, 1), done: make(chan struct{})}
	if hub.add(late, nil) {
		t.Error("hub accepted a client after shutdown")
	}
}

func TestParseChannel(t *testing.T) {
	tests := []struct {
		channel string
		wantRun scenario.RunID
		wantErr bool
	}{
		{ChannelRuns, "", false},
		{"run:5f0c", "5f0c", false},
		{"run:", "", true},
		{"runs", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.channel, func(t *testing.T) {
			id, err := parseChannel(tt.channel)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseChannel(%q) error = %v, wantErr %v", tt.channel, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, errUnknownChannel) {
				t.Errorf("error = %v, want errUnknownChannel", err)
			}
			if id != tt.wantRun {
				t.Errorf("run = %q, want %q", id, tt.wantRun)
			}
		})
	}
}

// ─── WebSocket Integration Tests ───────────────────────────────────

// recordingSink collects every command the sequencer publishes.
type recordingSink struct {
	mu   sync.Mutex
	sent []siren.Command
}

func (s *recordingSink) Publish(_ context.Context, _ siren.DeviceID, cmd siren.Command) error {
	s.mu.Lock()
	s.sent = append(s.sent, cmd)
	s.mu.Unlock()
	return nil
}

// liveServer wires a real sequencer, hub and router behind httptest.
func liveServer(t *testing.T, secret string) (*httptest.Server, *recordingSink) {
	t.Helper()

	log := testLogger()
	hub := NewHub(testWSConfig(), log)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	sink := &recordingSink{}
	scenarios := []scenario.Scenario{
		{
			Name:        scenario.ClockChime,
			Description: "short chime",
			Steps: []scenario.Step{
				scenario.ConfigureStep(15, siren.VolumeLow),
				scenario.WaitStep(10 * time.Millisecond),
				scenario.TriggerStep(),
				scenario.WaitStep(20 * time.Millisecond),
				scenario.StopStep(),
			},
		},
		{
			Name:        scenario.SecurityAlarm,
			Description: "sounds until cancelled",
			Steps: []scenario.Step{
				scenario.ConfigureStep(6, siren.VolumeHigh),
				scenario.WaitStep(10 * time.Millisecond),
				scenario.TriggerStep(),
			},
		},
		{Name: scenario.EmergencyStop, Description: "stop", Steps: []scenario.Step{scenario.StopStep()}},
	}
	seq, err := scenario.NewSequencer(siren.NewGroup(sink, log), scenarios, scenario.Options{
		Devices: []siren.DeviceID{"office_siren"},
		Events:  hub,
		Logger:  log,
	})
	if err != nil {
		t.Fatalf("NewSequencer() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		seq.Close(ctx) //nolint:errcheck // test teardown
	})

	srv, err := New(Deps{
		Config:    config.APIConfig{Host: "127.0.0.1"},
		WS:        testWSConfig(),
		Security:  config.SecurityConfig{JWT: config.JWTConfig{Secret: secret}},
		Logger:    log,
		Scenarios: seq,
		Hub:       hub,
		Version:   "test",
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	ts := httptest.NewServer(srv.buildRouter())
	t.Cleanup(ts.Close)
	return ts, sink
}

func wsURL(ts *httptest.Server, query string) string {
	u := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/ws"
	if query != "" {
		u += "?" + query
	}
	return u
}

// dialWS connects and waits for a pong so the client is registered.
func dialWS(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })

	if err := conn.WriteJSON(Request{Type: FramePing, ID: "p1"}); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	if f := readReply(t, conn); f.Type != FramePong || f.ID != "p1" {
		t.Fatalf("expected pong, got %+v", f)
	}
	return conn
}

// readReply skips state events and returns the next reply frame.
func readReply(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	for {
		if f := readFrame(t, conn); f.Type != FrameEvent {
			return f
		}
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second)) //nolint:errcheck // test
	var f Frame
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return f
}

type seenState struct {
	run   string
	state string
}

// collectStates reads state events until runID reaches until.
func collectStates(t *testing.T, conn *websocket.Conn, runID string, until scenario.State) []seenState {
	t.Helper()
	var seen []seenState
	for {
		f := readFrame(t, conn)
		if f.Type != FrameEvent {
			continue
		}
		payload, _ := f.Payload.(map[string]any)
		state, _ := payload["state"].(string)
		seen = append(seen, seenState{run: runIDOf(f), state: state})
		if runIDOf(f) == runID && state == string(until) {
			return seen
		}
	}
}

// start posts a start request and returns the accepted run ID.
func start(t *testing.T, ts *httptest.Server, name scenario.Name, body string) string {
	t.Helper()
	resp, err := http.Post(ts.URL+"/api/v1/scenarios/"+string(name)+"/start", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("start %s: %v", name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("start %s status = %d, want 202", name, resp.StatusCode)
	}
	var accepted runAccepted
	if err := json.NewDecoder(resp.Body).Decode(&accepted); err != nil {
		t.Fatalf("decode start response: %v", err)
	}
	return string(accepted.RunID)
}

func TestWebSocket_RunEvents(t *testing.T) {
	ts, sink := liveServer(t, "")
	conn := dialWS(t, wsURL(ts, "channels="+ChannelRuns))

	id := start(t, ts, scenario.ClockChime, "")

	var got []string
	for _, s := range collectStates(t, conn, id, scenario.StateCompleted) {
		got = append(got, s.state)
	}
	want := []string{"idle", "configuring", "armed_waiting", "triggering", "active_waiting", "stopping", "completed"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("states = %v, want %v", got, want)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.sent) != 3 {
		t.Errorf("sent %d commands, want 3", len(sink.sent))
	}
}

func TestWebSocket_FollowRun(t *testing.T) {
	ts, _ := liveServer(t, "")
	alarm := start(t, ts, scenario.SecurityAlarm, "")

	follower := dialWS(t, wsURL(ts, ""))
	watcher := dialWS(t, wsURL(ts, "channels="+ChannelRuns))

	sub := Request{Type: FrameSubscribe, ID: "s1", Channels: []string{RunChannel(scenario.RunID(alarm))}}
	if err := follower.WriteJSON(sub); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}
	ack := readReply(t, follower)
	if ack.Type != FrameAck || ack.ID != "s1" {
		t.Fatalf("ack = %+v", ack)
	}
	payload, _ := ack.Payload.(map[string]any)
	runs, _ := payload["runs"].([]any)
	if len(runs) != 1 {
		t.Fatalf("ack runs = %v, want the alarm's current state", payload["runs"])
	}
	current, _ := runs[0].(map[string]any)
	if current["run_id"] != alarm || current["state"] == "" {
		t.Errorf("ack run = %v", current)
	}

	// A run on another siren must not reach the follower.
	chime := start(t, ts, scenario.ClockChime, `{"devices":["hall_siren"]}`)
	collectStates(t, watcher, chime, scenario.StateCompleted)

	resp, err := http.Post(ts.URL+"/api/v1/runs/"+alarm+"/cancel", "application/json", nil)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	resp.Body.Close()

	seen := collectStates(t, follower, alarm, scenario.StateStopped)
	for _, s := range seen {
		if s.run != alarm {
			t.Errorf("follower got event for run %s", s.run)
		}
	}
	if n := len(seen); n < 2 || seen[n-2].state != "cancelling" {
		t.Errorf("states = %v, want cancelling before stopped", seen)
	}
}

func TestWebSocket_SubscribeErrors(t *testing.T) {
	ts, _ := liveServer(t, "")
	conn := dialWS(t, wsURL(ts, ""))

	tests := []struct {
		name     string
		channels []string
	}{
		{"no channels", nil},
		{"unknown channel", []string{"sirens"}},
		{"unknown run", []string{RunChannel("no-such-run")}},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := string(rune('a' + i))
			if err := conn.WriteJSON(Request{Type: FrameSubscribe, ID: id, Channels: tt.channels}); err != nil {
				t.Fatalf("write: %v", err)
			}
			f := readReply(t, conn)
			if f.Type != FrameError || f.ID != id {
				t.Errorf("reply = %+v, want error", f)
			}
		})
	}
}

func TestWebSocket_QueryChannelsValidated(t *testing.T) {
	ts, _ := liveServer(t, "")

	tests := []struct {
		query string
		want  int
	}{
		{"channels=bogus", http.StatusBadRequest},
		{"channels=" + RunChannel("no-such-run"), http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, tt.query), nil)
			if err == nil {
				t.Fatal("dial should fail")
			}
			if resp == nil || resp.StatusCode != tt.want {
				t.Errorf("response = %v, want %d", resp, tt.want)
			}
		})
	}
}

func TestWebSocket_TicketFlow(t *testing.T) {
	ts, _ := liveServer(t, testSecret)
	viewer, err := auth.GenerateAccessToken("wall", auth.RoleViewer, testSecret, time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/api/v1/auth/ws-ticket", nil)
	req.Header.Set("Authorization", "Bearer "+viewer)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("ticket: %v", err)
	}
	var body struct {
		Ticket string `json:"ticket"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode ticket: %v", err)
	}
	resp.Body.Close()

	url := wsURL(ts, "ticket="+body.Ticket)
	dialWS(t, url)

	// Tickets are single-use.
	_, resp, err = websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("second dial with the same ticket should fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("second dial response = %v, want 401", resp)
	}
}
