package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nutrivox/nutrivox/pkg/core/profile"
	"github.com/nutrivox/nutrivox/pkg/gateway/tools"
	"github.com/nutrivox/nutrivox/pkg/gateway/tools/nutritools"
	"github.com/nutrivox/nutrivox/pkg/gateway/upstream/realtime"
)

type upstreamOp struct {
	kind    string
	callID  string
	name    string
	payload string
	config  realtime.SessionConfig
}

// fakeUpstream records every outbound operation and lets tests inject
// server events into the AI pump.
type fakeUpstream struct {
	mu   sync.Mutex
	ops  []upstreamOp
	opCh chan upstreamOp

	events    chan realtime.Event
	closeOnce sync.Once
	closes    atomic.Int32
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{
		opCh:   make(chan upstreamOp, 64),
		events: make(chan realtime.Event, 16),
	}
}

func (f *fakeUpstream) record(op upstreamOp) error {
	f.mu.Lock()
	f.ops = append(f.ops, op)
	f.mu.Unlock()
	select {
	case f.opCh <- op:
	default:
	}
	return nil
}

func (f *fakeUpstream) Events() <-chan realtime.Event { return f.events }

func (f *fakeUpstream) UpdateSession(cfg realtime.SessionConfig) error {
	return f.record(upstreamOp{kind: "session.update", config: cfg})
}

func (f *fakeUpstream) CreateUserMessage(text string) error {
	return f.record(upstreamOp{kind: "user_message", payload: text})
}

func (f *fakeUpstream) CreateAssistantMessage(text string) error {
	return f.record(upstreamOp{kind: "assistant_message", payload: text})
}

func (f *fakeUpstream) CreateFunctionCall(callID, name, argumentsJSON string) error {
	return f.record(upstreamOp{kind: "function_call", callID: callID, name: name, payload: argumentsJSON})
}

func (f *fakeUpstream) CreateFunctionCallOutput(callID, outputJSON string) error {
	return f.record(upstreamOp{kind: "function_call_output", callID: callID, payload: outputJSON})
}

func (f *fakeUpstream) AppendInputAudio(audioB64 string) error {
	return f.record(upstreamOp{kind: "input_audio.append", payload: audioB64})
}

func (f *fakeUpstream) CommitInputAudio() error {
	return f.record(upstreamOp{kind: "input_audio.commit"})
}

func (f *fakeUpstream) CreateResponse() error {
	return f.record(upstreamOp{kind: "response.create"})
}

func (f *fakeUpstream) CancelResponse() error {
	return f.record(upstreamOp{kind: "response.cancel"})
}

func (f *fakeUpstream) Close() error {
	f.closes.Add(1)
	f.closeOnce.Do(func() { close(f.events) })
	return nil
}

func (f *fakeUpstream) emit(t *testing.T, ev realtime.Event) {
	t.Helper()
	select {
	case f.events <- ev:
	case <-time.After(2 * time.Second):
		t.Fatalf("event %T not consumed within 2s", ev)
	}
}

// waitOp scans recorded operations in order until one of the wanted
// kind arrives.
func (f *fakeUpstream) waitOp(t *testing.T, kind string) upstreamOp {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case op := <-f.opCh:
			if op.kind == kind {
				return op
			}
		case <-deadline:
			t.Fatalf("no %q upstream op within 2s", kind)
		}
	}
}

func (f *fakeUpstream) kinds() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.ops))
	for _, op := range f.ops {
		out = append(out, op.kind)
	}
	return out
}

type speechStub struct {
	audio []byte
	err   error
}

func (s speechStub) SpeechMP3(context.Context, string) ([]byte, error) {
	return s.audio, s.err
}

func passthroughEncode(pcm []byte, _, _ int) ([]byte, error) { return pcm, nil }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sessionToolDeps(store *profile.Store) nutritools.Deps {
	return nutritools.Deps{
		Store:  store,
		UserID: "u1",
		Logger: discardLogger(),
		Now: func() time.Time {
			return time.Date(2026, 8, 22, 10, 0, 0, 0, time.UTC)
		},
		Detach: func(name string, fn func(ctx context.Context)) {
			fn(context.Background())
		},
	}
}

type sessionHarness struct {
	t        *testing.T
	client   *websocket.Conn
	upstream *fakeUpstream
	store    *profile.Store
	dataDir  string
	runErr   chan error
}

// newSessionHarness wires a LiveSession to a real websocket pair and a
// fake upstream, starts Run, and consumes the initial connection_status
// frame.
func newSessionHarness(t *testing.T, mutate func(*Dependencies)) *sessionHarness {
	t.Helper()

	upstream := newFakeUpstream()
	dataDir := t.TempDir()
	store := profile.NewStore(dataDir)

	toolDeps := sessionToolDeps(store)
	registry := tools.NewRegistry(nutritools.Executors(toolDeps)...)
	registry.RegisterInternal(nutritools.InternalExecutors(toolDeps)...)

	connCh := make(chan *websocket.Conn, 1)
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		connCh <- conn
	}))
	t.Cleanup(srv.Close)

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	var serverConn *websocket.Conn
	select {
	case serverConn = <-connCh:
	case <-time.After(2 * time.Second):
		t.Fatal("server side of the socket never arrived")
	}

	deps := Dependencies{
		Conn:      serverConn,
		Upstream:  upstream,
		Registry:  registry,
		Store:     store,
		Encode:    passthroughEncode,
		Logger:    discardLogger(),
		SessionID: "s_test",
		UserID:    "u1",
		Config: Config{
			AudioChunkDelay: time.Millisecond,
			PingInterval:    time.Minute,
		},
	}
	if mutate != nil {
		mutate(&deps)
	}

	sess, err := New(deps)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	runErr := make(chan error, 1)
	go func() {
		runErr <- sess.Run()
		close(runErr)
	}()

	h := &sessionHarness{
		t:        t,
		client:   client,
		upstream: upstream,
		store:    store,
		dataDir:  dataDir,
		runErr:   runErr,
	}
	t.Cleanup(func() {
		_ = client.Close()
		select {
		case <-runErr:
		case <-time.After(5 * time.Second):
			t.Error("session still running after client close")
		}
	})

	if frame := h.readFrame(); frame["type"] != "connection_status" {
		t.Fatalf("first frame = %v, want connection_status", frame)
	}
	return h
}

func (h *sessionHarness) readFrame() map[string]any {
	h.t.Helper()
	_ = h.client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := h.client.ReadMessage()
	if err != nil {
		h.t.Fatalf("read client frame: %v", err)
	}
	var frame map[string]any
	if err := json.Unmarshal(data, &frame); err != nil {
		h.t.Fatalf("decode client frame %q: %v", data, err)
	}
	return frame
}

// awaitFrame reads frames until one of the wanted type appears.
func (h *sessionHarness) awaitFrame(typ string) map[string]any {
	h.t.Helper()
	for i := 0; i < 20; i++ {
		if frame := h.readFrame(); frame["type"] == typ {
			return frame
		}
	}
	h.t.Fatalf("no %q frame within 20 reads", typ)
	return nil
}

func (h *sessionHarness) send(v any) {
	h.t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		h.t.Fatalf("marshal client frame: %v", err)
	}
	if err := h.client.WriteMessage(websocket.TextMessage, data); err != nil {
		h.t.Fatalf("write client frame: %v", err)
	}
}

func (h *sessionHarness) waitRun() error {
	h.t.Helper()
	select {
	case err := <-h.runErr:
		return err
	case <-time.After(5 * time.Second):
		h.t.Fatal("session did not finish within 5s")
		return nil
	}
}

func seedGoalProfile(t *testing.T, store *profile.Store) {
	t.Helper()
	weight, height, target, timeframe := 80.0, 175.0, 75.0, 10.0
	age := 30
	sex := "male"
	doc := &profile.Document{}
	doc.BasicInfo.WeightKG = &weight
	doc.BasicInfo.HeightCM = &height
	doc.BasicInfo.AgeYears = &age
	doc.BasicInfo.Sex = &sex
	doc.Goals.WeightGoals.TargetWeightKG = &target
	doc.Goals.WeightGoals.GoalTimeframeWeeks = &timeframe
	doc.Goals.NutritionalGoals = &profile.NutritionalGoals{
		DailyKilojoules: 6479, ProteinGrams: 128, FatGrams: 43, CarbohydrateGrams: 162, FiberGrams: 22,
	}
	doc.Goals.GoalSet = true
	if err := store.SaveProfile("u1", doc); err != nil {
		t.Fatalf("seed profile: %v", err)
	}
}

func seedCatalog(t *testing.T, dataDir, filename, payload string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Join(dataDir, "nutrition"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dataDir, "nutrition", filename), []byte(payload), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLiveSession_ConfiguresUpstreamOnConnect(t *testing.T) {
	h := newSessionHarness(t, nil)

	op := h.upstream.waitOp(t, "session.update")
	cfg := op.config
	if got := strings.Join(cfg.Modalities, ","); got != "text,audio" {
		t.Errorf("modalities = %q", got)
	}
	if cfg.ToolChoice != "auto" {
		t.Errorf("tool_choice = %q", cfg.ToolChoice)
	}
	if cfg.MaxResponseOutputTokens != 4096 {
		t.Errorf("max_response_output_tokens = %d", cfg.MaxResponseOutputTokens)
	}
	if cfg.TurnDetection != nil {
		t.Errorf("turn detection = %+v, want nil for push-to-talk", cfg.TurnDetection)
	}
	if cfg.InputAudioTranscription == nil || cfg.InputAudioTranscription.Model != "gpt-4o-mini-transcribe" {
		t.Errorf("transcription = %+v", cfg.InputAudioTranscription)
	}
	if cfg.InputAudioNoiseReduction == nil || cfg.InputAudioNoiseReduction.Type != "near_field" {
		t.Errorf("noise reduction = %+v", cfg.InputAudioNoiseReduction)
	}
	if len(cfg.Tools) != 6 {
		t.Errorf("tools = %d, want 6", len(cfg.Tools))
	}
	if !strings.Contains(cfg.Instructions, "update_user_profile") {
		t.Error("instructions do not mention the profile tool")
	}
}

func TestLiveSession_VoiceIntroSpeaksAndRecordsHistory(t *testing.T) {
	h := newSessionHarness(t, func(d *Dependencies) {
		d.Speech = speechStub{audio: []byte("intro-mp3")}
		d.Config.IntroText = DefaultIntroText
	})

	chunk := h.awaitFrame("audio_chunk")
	if chunk["format"] != "mp3" {
		t.Errorf("format = %v", chunk["format"])
	}
	if chunk["audio"] != base64.StdEncoding.EncodeToString([]byte("intro-mp3")) {
		t.Errorf("audio = %v", chunk["audio"])
	}

	delta := h.awaitFrame("text_delta")
	if delta["content"] != DefaultIntroText {
		t.Errorf("content = %v", delta["content"])
	}
	h.awaitFrame("text_done")

	op := h.upstream.waitOp(t, "assistant_message")
	if op.payload != DefaultIntroText {
		t.Errorf("history text = %q", op.payload)
	}
}

func TestLiveSession_VoiceIntroFallsBackToText(t *testing.T) {
	h := newSessionHarness(t, func(d *Dependencies) {
		d.Speech = speechStub{err: errors.New("synthesis down")}
		d.Config.IntroText = "Welcome."
	})

	delta := h.awaitFrame("text_delta")
	if delta["content"] != "Welcome. (Audio intro failed)" {
		t.Errorf("content = %v", delta["content"])
	}
	h.awaitFrame("text_done")

	h.send(map[string]any{"type": "end_session"})
	if err := h.waitRun(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	for _, kind := range h.upstream.kinds() {
		if kind == "assistant_message" {
			t.Error("failed intro still recorded as an assistant turn")
		}
	}
}

func TestLiveSession_BinaryAudioForwardedUpstream(t *testing.T) {
	h := newSessionHarness(t, nil)

	pcm := []byte{0x01, 0x02, 0x03, 0x04}
	if err := h.client.WriteMessage(websocket.BinaryMessage, pcm); err != nil {
		t.Fatalf("write binary: %v", err)
	}

	op := h.upstream.waitOp(t, "input_audio.append")
	if op.payload != base64.StdEncoding.EncodeToString(pcm) {
		t.Errorf("appended audio = %q", op.payload)
	}
}

func TestLiveSession_JSONAudioChunkForwardedUpstream(t *testing.T) {
	h := newSessionHarness(t, nil)

	audioB64 := base64.StdEncoding.EncodeToString([]byte("pcm-bytes"))
	h.send(map[string]any{"type": "user_audio_chunk", "payload": map[string]any{"audio": audioB64}})

	op := h.upstream.waitOp(t, "input_audio.append")
	if op.payload != audioB64 {
		t.Errorf("appended audio = %q", op.payload)
	}
}

func TestLiveSession_TextMessageRequestsResponse(t *testing.T) {
	h := newSessionHarness(t, nil)

	h.send(map[string]any{"type": "user_text_message", "payload": map[string]any{"text": "hello"}})

	op := h.upstream.waitOp(t, "user_message")
	if op.payload != "hello" {
		t.Errorf("user message = %q", op.payload)
	}
	h.upstream.waitOp(t, "response.create")
}

func TestLiveSession_SpeechEndCommitsInManualMode(t *testing.T) {
	h := newSessionHarness(t, nil)

	h.send(map[string]any{"type": "speech_end"})
	h.upstream.waitOp(t, "input_audio.commit")
	h.upstream.waitOp(t, "response.create")
}

func TestLiveSession_SpeechEndIgnoredWithServerVAD(t *testing.T) {
	h := newSessionHarness(t, func(d *Dependencies) {
		d.Config.TurnDetection = TurnDetectionServerVAD
		d.Config.VADThreshold = 0.65
	})

	op := h.upstream.waitOp(t, "session.update")
	if op.config.TurnDetection == nil || op.config.TurnDetection.Type != "server_vad" {
		t.Fatalf("turn detection = %+v", op.config.TurnDetection)
	}
	if op.config.TurnDetection.Threshold != 0.65 {
		t.Errorf("turn detection threshold = %v, want 0.65", op.config.TurnDetection.Threshold)
	}

	h.send(map[string]any{"type": "speech_end"})
	h.send(map[string]any{"type": "user_text_message", "payload": map[string]any{"text": "marker"}})
	h.upstream.waitOp(t, "user_message")

	for _, kind := range h.upstream.kinds() {
		if kind == "input_audio.commit" {
			t.Error("speech_end committed audio despite upstream turn detection")
		}
	}
}

func TestLiveSession_SpeechStartCancelsActiveResponse(t *testing.T) {
	h := newSessionHarness(t, nil)

	h.upstream.emit(t, realtime.ResponseCreated{ResponseID: "resp_1"})
	h.upstream.emit(t, realtime.InputAudioBufferCommitted{})
	h.awaitFrame("input_audio_buffer_committed")

	h.send(map[string]any{"type": "speech_start"})
	h.upstream.waitOp(t, "response.cancel")

	// Once the response is done, a new capture has nothing to cancel.
	h.upstream.emit(t, realtime.ResponseDone{ResponseID: "resp_1", Status: "cancelled"})
	h.upstream.emit(t, realtime.InputAudioBufferCommitted{})
	h.awaitFrame("input_audio_buffer_committed")

	h.send(map[string]any{"type": "speech_start"})
	h.send(map[string]any{"type": "user_text_message", "payload": map[string]any{"text": "marker"}})
	h.upstream.waitOp(t, "user_message")

	cancels := 0
	for _, kind := range h.upstream.kinds() {
		if kind == "response.cancel" {
			cancels++
		}
	}
	if cancels != 1 {
		t.Errorf("response.cancel count = %d, want 1", cancels)
	}
}

func TestLiveSession_AudioDeltaTranscodedAndRelayed(t *testing.T) {
	h := newSessionHarness(t, nil)

	pcm := []byte("pcm-frame-1")
	h.upstream.emit(t, realtime.ResponseAudioDelta{ItemID: "item_1", DeltaB64: base64.StdEncoding.EncodeToString(pcm)})

	chunk := h.awaitFrame("audio_chunk")
	if chunk["format"] != "mp3" {
		t.Errorf("format = %v", chunk["format"])
	}
	if chunk["audio"] != base64.StdEncoding.EncodeToString(pcm) {
		t.Errorf("audio = %v", chunk["audio"])
	}

	// An undecodable delta is dropped; the stream continues.
	pcm2 := []byte("pcm-frame-2")
	h.upstream.emit(t, realtime.ResponseAudioDelta{ItemID: "item_1", DeltaB64: "%%%not-base64%%%"})
	h.upstream.emit(t, realtime.ResponseAudioDelta{ItemID: "item_1", DeltaB64: base64.StdEncoding.EncodeToString(pcm2)})

	next := h.awaitFrame("audio_chunk")
	if next["audio"] != base64.StdEncoding.EncodeToString(pcm2) {
		t.Errorf("audio after bad delta = %v", next["audio"])
	}
}

func TestLiveSession_TranscriptFramesForwarded(t *testing.T) {
	h := newSessionHarness(t, nil)

	h.upstream.emit(t, realtime.ResponseAudioTranscriptDelta{ItemID: "item_1", Delta: "Hello "})
	if frame := h.awaitFrame("text_delta"); frame["content"] != "Hello " {
		t.Errorf("content = %v", frame["content"])
	}
	h.upstream.emit(t, realtime.ResponseTextDelta{ItemID: "item_1", Delta: "there"})
	if frame := h.awaitFrame("text_delta"); frame["content"] != "there" {
		t.Errorf("content = %v", frame["content"])
	}
	h.upstream.emit(t, realtime.ResponseAudioTranscriptDone{ItemID: "item_1", Transcript: "Hello there"})
	h.awaitFrame("text_done")

	h.upstream.emit(t, realtime.InputAudioTranscriptionDelta{ItemID: "item_2", Delta: "I had"})
	if frame := h.awaitFrame("input_audio_transcript_delta"); frame["content"] != "I had" {
		t.Errorf("content = %v", frame["content"])
	}
	h.upstream.emit(t, realtime.InputAudioTranscriptionCompleted{ItemID: "item_2", Transcript: "I had lunch"})
	h.awaitFrame("input_audio_transcript_done")
}

func TestLiveSession_ToolCallUpdatesProfileAndPushes(t *testing.T) {
	h := newSessionHarness(t, nil)

	// Trailing parentheses on the function name are stripped before lookup.
	h.upstream.emit(t, realtime.FunctionCallArgumentsDone{
		CallID:        "call_1",
		Name:          "update_user_profile()",
		ArgumentsJSON: `{"weight": 82.5}`,
	})

	out := h.upstream.waitOp(t, "function_call_output")
	if out.callID != "call_1" {
		t.Errorf("call_id = %q", out.callID)
	}
	if !strings.Contains(out.payload, `"weight_kg":82.5`) {
		t.Errorf("output = %s", out.payload)
	}
	h.upstream.waitOp(t, "response.create")

	frame := h.awaitFrame("profile_update")
	data, _ := frame["data"].(map[string]any)
	basic, _ := data["Basic Information"].(map[string]any)
	if basic["Weight (kg)"] != 82.5 {
		t.Errorf("pushed weight = %v", basic["Weight (kg)"])
	}
}

func TestLiveSession_UnknownToolReturnsErrorResult(t *testing.T) {
	h := newSessionHarness(t, nil)

	h.upstream.emit(t, realtime.FunctionCallArgumentsDone{
		CallID:        "call_9",
		Name:          "mystery_tool",
		ArgumentsJSON: "{}",
	})

	out := h.upstream.waitOp(t, "function_call_output")
	if !strings.Contains(out.payload, "Unknown function: mystery_tool") {
		t.Errorf("output = %s", out.payload)
	}
	h.upstream.waitOp(t, "response.create")

	// The session survives the failed dispatch.
	h.upstream.emit(t, realtime.InputAudioBufferCommitted{})
	h.awaitFrame("input_audio_buffer_committed")
}

func TestLiveSession_MalformedToolArgumentsReported(t *testing.T) {
	h := newSessionHarness(t, nil)

	h.upstream.emit(t, realtime.FunctionCallArgumentsDone{
		CallID:        "call_2",
		Name:          "update_user_profile",
		ArgumentsJSON: "{bad",
	})

	out := h.upstream.waitOp(t, "function_call_output")
	if !strings.Contains(out.payload, "Error executing function call 'update_user_profile':") {
		t.Errorf("output = %s", out.payload)
	}
	h.upstream.waitOp(t, "response.create")
}

func TestLiveSession_PhotoUploadLogsMealsAndPushes(t *testing.T) {
	h := newSessionHarness(t, nil)
	seedGoalProfile(t, h.store)
	seedCatalog(t, h.dataDir, "meal_photos_nutrition.json", `[
	  {"description": "Grilled chicken salad", "image_url": "/uploads/meal_001.jpg",
	   "nutrition": {"kilojoules": 1500, "protein_grams": 30, "fat_grams": 12, "carbohydrate_grams": 45, "fiber_grams": 6},
	   "items": ["chicken breast", "mixed greens"]}
	]`)

	h.send(map[string]any{"type": "estimate_photos_nutrition", "payload": map[string]any{"filenames": []string{"meal_001.jpg"}}})

	call := h.upstream.waitOp(t, "function_call")
	if call.name != "log_meal_photos" {
		t.Errorf("function name = %q", call.name)
	}
	if !strings.HasPrefix(call.callID, "call_") {
		t.Errorf("call_id = %q", call.callID)
	}
	if !strings.Contains(call.payload, "meal_001.jpg") {
		t.Errorf("arguments = %s", call.payload)
	}

	out := h.upstream.waitOp(t, "function_call_output")
	if out.callID != call.callID {
		t.Errorf("output call_id = %q, want %q", out.callID, call.callID)
	}
	if !strings.Contains(out.payload, "Logged 1 meal(s)") {
		t.Errorf("output = %s", out.payload)
	}
	h.upstream.waitOp(t, "response.create")

	h.awaitFrame("profile_update")
	tracking := h.awaitFrame("nutrition_tracking_update")
	data, _ := tracking["data"].(map[string]any)
	if _, ok := data["energy_quota"]; !ok {
		t.Errorf("tracking data = %v", data)
	}
}

func TestLiveSession_TakeawayRecommendationPushed(t *testing.T) {
	h := newSessionHarness(t, nil)
	seedCatalog(t, h.dataDir, "takeaway_nutrition.json", `[
	  {"name": "Grilled fish with greens", "restaurant": "Ocean Basket",
	   "nutrition": {"kilojoules": 2200, "protein_grams": 45, "fiber_grams": 9},
	   "reason": "High fiber"},
	  {"name": "Chicken souvlaki bowl", "restaurant": "Mythos",
	   "nutrition": {"kilojoules": 2500, "protein_grams": 40, "fiber_grams": 8}},
	  {"name": "Double cheeseburger", "restaurant": "Patty Shack"}
	]`)

	h.upstream.emit(t, realtime.FunctionCallArgumentsDone{
		CallID:        "call_3",
		Name:          "recommend_healthy_takeaway",
		ArgumentsJSON: `{"dietary_preferences": "pescatarian"}`,
	})

	out := h.upstream.waitOp(t, "function_call_output")
	if !strings.Contains(out.payload, "already displayed to the user") {
		t.Errorf("output = %s", out.payload)
	}

	frame := h.awaitFrame("takeaway_recommendation")
	payload, _ := frame["payload"].(map[string]any)
	recs, _ := payload["recommendations"].([]any)
	if len(recs) != 2 {
		t.Fatalf("recommendations = %v, want 2", recs)
	}
	first, _ := recs[0].(map[string]any)
	if first["name"] != "Grilled fish with greens" {
		t.Errorf("first recommendation = %v", first)
	}
}

func TestLiveSession_UpstreamErrorForwardedToClient(t *testing.T) {
	h := newSessionHarness(t, nil)

	h.upstream.emit(t, realtime.ServerError{Code: "rate_limit", Message: "quota exhausted"})
	if frame := h.awaitFrame("error"); frame["message"] != "API error: quota exhausted" {
		t.Errorf("message = %v", frame["message"])
	}

	h.upstream.emit(t, realtime.ServerError{})
	if frame := h.awaitFrame("error"); frame["message"] != "API error: Unknown error" {
		t.Errorf("message = %v", frame["message"])
	}
}

func TestLiveSession_EndSessionClosesCleanly(t *testing.T) {
	h := newSessionHarness(t, nil)

	h.send(map[string]any{"type": "end_session"})
	if err := h.waitRun(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if h.upstream.closes.Load() == 0 {
		t.Error("upstream connection never closed")
	}

	_ = h.client.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := h.client.ReadMessage(); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				t.Fatalf("close error = %v, want normal closure", err)
			}
			break
		}
	}
}

func TestLiveSession_UpstreamStreamEndFailsSession(t *testing.T) {
	h := newSessionHarness(t, nil)

	_ = h.upstream.Close()
	err := h.waitRun()
	if err == nil || !strings.Contains(err.Error(), "upstream event stream ended") {
		t.Fatalf("Run = %v", err)
	}

	// Losing the upstream must also tear down the client socket.
	_ = h.client.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := h.client.ReadMessage(); err != nil {
			if e, ok := err.(net.Error); ok && e.Timeout() {
				t.Fatal("client socket still open after upstream loss")
			}
			break
		}
	}
}

func TestLiveSession_MalformedClientFrameDropped(t *testing.T) {
	h := newSessionHarness(t, nil)

	if err := h.client.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write raw: %v", err)
	}
	h.send(map[string]any{"type": "user_text_message", "payload": map[string]any{"text": "still here"}})

	op := h.upstream.waitOp(t, "user_message")
	if op.payload != "still here" {
		t.Errorf("user message = %q", op.payload)
	}
}

func TestLiveSession_BackpressureDropsNormalFrames(t *testing.T) {
	s, err := New(Dependencies{
		Conn:     &websocket.Conn{},
		Upstream: newFakeUpstream(),
		Registry: tools.NewRegistry(),
		Store:    profile.NewStore(t.TempDir()),
		Logger:   discardLogger(),
		Config:   Config{OutboundQueueSize: 1},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := s.sendJSON(map[string]string{"type": "a"}); err != nil {
		t.Fatalf("first frame: %v", err)
	}
	if err := s.sendJSON(map[string]string{"type": "b"}); !errors.Is(err, errBackpressure) {
		t.Errorf("second frame error = %v, want backpressure", err)
	}

	// Priority drops the oldest queued frame, never the new one.
	for _, typ := range []string{"p0", "p1", "p2"} {
		if err := s.sendPriorityJSON(map[string]string{"type": typ}); err != nil {
			t.Fatalf("priority frame %s: %v", typ, err)
		}
	}
	if payload := <-s.outboundPriority; !strings.Contains(string(payload), "p2") {
		t.Errorf("surviving priority frame = %s", payload)
	}
}

func TestNew_RequiresCoreDependencies(t *testing.T) {
	valid := func() Dependencies {
		return Dependencies{
			Conn:     &websocket.Conn{},
			Upstream: newFakeUpstream(),
			Registry: tools.NewRegistry(),
			Store:    profile.NewStore(t.TempDir()),
		}
	}
	if _, err := New(valid()); err != nil {
		t.Fatalf("valid dependencies rejected: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Dependencies)
	}{
		{"no client connection", func(d *Dependencies) { d.Conn = nil }},
		{"no upstream", func(d *Dependencies) { d.Upstream = nil }},
		{"no registry", func(d *Dependencies) { d.Registry = nil }},
		{"no store", func(d *Dependencies) { d.Store = nil }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			deps := valid()
			tc.mutate(&deps)
			if _, err := New(deps); err == nil {
				t.Error("New accepted incomplete dependencies")
			}
		})
	}
}
