package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/savantaudio/internal/configflow"
	"github.com/nerrad567/savantaudio/internal/entry"
	"github.com/nerrad567/savantaudio/internal/infrastructure/config"
	"github.com/nerrad567/savantaudio/internal/infrastructure/database"
	"github.com/nerrad567/savantaudio/internal/infrastructure/logging"
	"github.com/nerrad567/savantaudio/internal/mediaplayer"
	"github.com/nerrad567/savantaudio/internal/registry"
	"github.com/nerrad567/savantaudio/internal/savant"
	_ "github.com/nerrad567/savantaudio/migrations"
)

const testSecret = "test-secret-key-at-least-32-characters-long"

type testEnv struct {
	srv      *Server
	handler  http.Handler
	entries  *entry.Manager
	platform *mediaplayer.Platform
	sim      *savant.Simulator
}

// testServer wires a Server over a real entry manager, media player
// platform and simulated switches backed by in-memory SQLite.
func testServer(t *testing.T, secret string) testEnv {
	t.Helper()
	ctx := context.Background()

	db, err := database.OpenMigrated(ctx, database.Config{Path: database.MemoryPath})
	if err != nil {
		t.Fatalf("OpenMigrated: %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // Test cleanup

	entities := registry.NewEntityRegistry(registry.NewSQLiteEntityRepository(db.DB))
	devices := registry.NewDeviceRegistry(registry.NewSQLiteDeviceRepository(db.DB))
	sim := savant.NewSimulator()

	platform, err := mediaplayer.NewPlatform(mediaplayer.PlatformOptions{
		Connector:    sim,
		Entities:     entities,
		Devices:      devices,
		ScanInterval: time.Hour,
	})
	if err != nil {
		t.Fatalf("NewPlatform: %v", err)
	}
	entries, err := entry.NewManager(entry.ManagerOptions{
		Store:     entry.NewSQLiteStore(db.DB),
		Platforms: []entry.Platform{platform},
		Entities:  entities,
		Devices:   devices,
	})
	if err != nil {
		t.Fatalf("entry.NewManager: %v", err)
	}
	t.Cleanup(func() { entries.UnloadAll(context.Background()) }) //nolint:errcheck // Test cleanup

	flows, err := configflow.NewManager(configflow.ManagerOptions{
		Connector: sim,
		Entries:   entries,
		Entities:  entities,
	})
	if err != nil {
		t.Fatalf("configflow.NewManager: %v", err)
	}

	log := logging.New(config.LoggingConfig{Level: "error", Format: "text", Output: "stdout"}, "test")
	srv, err := New(Deps{
		Config: config.APIConfig{
			Host:     "127.0.0.1",
			Port:     0,
			Timeouts: config.APITimeoutConfig{Read: 5, Write: 5, Idle: 5},
		},
		WS: config.WebSocketConfig{
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Security: config.SecurityConfig{JWT: config.JWTConfig{Secret: secret}},
		Logger:   log,
		Entries:  entries,
		Flows:    flows,
		Zones:    platform,
		Entities: entities,
		DB:       db.DB,
		Version:  "test",
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	handler := srv.Handler()
	platform.AddListener(srv.Hub())

	return testEnv{srv: srv, handler: handler, entries: entries, platform: platform, sim: sim}
}

// addLivingRoom creates a loaded entry with one zone on a simulated switch.
func (env testEnv) addLivingRoom(t *testing.T) *entry.ConfigEntry {
	t.Helper()
	env.sim.AddSwitch("10.0.0.20", entry.DefaultPort, savant.SwitchSpec{Serial: "SN20", Outputs: 4})
	e, err := env.entries.Add(context.Background(), &entry.ConfigEntry{
		UniqueID: "SN20",
		Data:     entry.Data{Host: "10.0.0.20", Port: entry.DefaultPort, Name: "Rack"},
		Options: entry.Options{
			Sources: map[int]entry.Source{
				1: {Name: "CD", Enabled: true},
				3: {Name: "Streamer", Enabled: true},
			},
			Zones: map[string]entry.Zone{
				"living_room": {Number: 1, Name: "Living Room", Enabled: true},
			},
		},
	})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	return e
}

func (env testEnv) do(t *testing.T, method, path, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(bytes.NewReader(rec.Body.Bytes())).Decode(&v); err != nil {
		t.Fatalf("decoding %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestNew_RequiresDependencies(t *testing.T) {
	if _, err := New(Deps{}); err == nil {
		t.Error("New() without logger should fail")
	}
	if _, err := New(Deps{Logger: logging.Default()}); err == nil {
		t.Error("New() without entry manager should fail")
	}
}

func TestHealth(t *testing.T) {
	env := testServer(t, testSecret)
	env.addLivingRoom(t)

	rec := env.do(t, http.MethodGet, "/api/v1/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := decode[map[string]any](t, rec)
	if body["status"] != "ok" || body["version"] != "test" {
		t.Errorf("body = %v", body)
	}
	if body["zones"] != float64(1) || body["switches"] != float64(1) {
		t.Errorf("zones/switches = %v/%v, want 1/1", body["zones"], body["switches"])
	}
}

func TestRequestIDHeader(t *testing.T) {
	env := testServer(t, "")

	rec := env.do(t, http.MethodGet, "/api/v1/health", "")
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("missing generated X-Request-ID")
	}
	rec = env.do(t, http.MethodGet, "/api/v1/health", "", "X-Request-ID", "abc")
	if got := rec.Header().Get("X-Request-ID"); got != "abc" {
		t.Errorf("X-Request-ID = %q, want abc", got)
	}
}

func TestCORSPreflight(t *testing.T) {
	env := testServer(t, testSecret)

	rec := env.do(t, http.MethodOptions, "/api/v1/entries", "", "Origin", "http://panel.local")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://panel.local" {
		t.Errorf("Allow-Origin = %q", got)
	}
}

func TestAuth(t *testing.T) {
	env := testServer(t, testSecret)

	token, err := IssueToken(testSecret, "operator", time.Minute)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	expired, err := IssueToken(testSecret, "operator", -time.Minute)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	foreign, err := IssueToken("another-secret-another-secret-xx", "operator", time.Minute)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"no header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic " + token, http.StatusUnauthorized},
		{"garbage", "Bearer not-a-token", http.StatusUnauthorized},
		{"expired", "Bearer " + expired, http.StatusUnauthorized},
		{"other secret", "Bearer " + foreign, http.StatusUnauthorized},
		{"valid", "Bearer " + token, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var rec *httptest.ResponseRecorder
			if tt.header == "" {
				rec = env.do(t, http.MethodGet, "/api/v1/entries", "")
			} else {
				rec = env.do(t, http.MethodGet, "/api/v1/entries", "", "Authorization", tt.header)
			}
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestAuthDisabledWithoutSecret(t *testing.T) {
	env := testServer(t, "")

	rec := env.do(t, http.MethodGet, "/api/v1/entries", "")
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if _, err := IssueToken("", "x", time.Minute); err == nil {
		t.Error("IssueToken with empty secret should fail")
	}
}

func TestEntries(t *testing.T) {
	env := testServer(t, "")
	e := env.addLivingRoom(t)

	rec := env.do(t, http.MethodGet, "/api/v1/entries", "")
	list := decode[struct {
		Entries []entry.ConfigEntry `json:"entries"`
		Count   int                 `json:"count"`
	}](t, rec)
	if list.Count != 1 || list.Entries[0].ID != e.ID {
		t.Fatalf("entries = %+v", list)
	}
	if list.Entries[0].State != entry.StateLoaded {
		t.Errorf("state = %s, want loaded", list.Entries[0].State)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/entries/"+e.ID, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	if got := decode[entry.ConfigEntry](t, rec); got.UniqueID != "SN20" {
		t.Errorf("unique id = %q", got.UniqueID)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/entries/missing", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing entry status = %d, want 404", rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/api/v1/entries/"+e.ID+"/reload", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("reload status = %d: %s", rec.Code, rec.Body.String())
	}
	if len(env.platform.Zones()) != 1 {
		t.Errorf("zones after reload = %d, want 1", len(env.platform.Zones()))
	}

	rec = env.do(t, http.MethodDelete, "/api/v1/entries/"+e.ID, "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d: %s", rec.Code, rec.Body.String())
	}
	if len(env.platform.Zones()) != 0 {
		t.Error("zones remain after entry removal")
	}
	rec = env.do(t, http.MethodDelete, "/api/v1/entries/"+e.ID, "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", rec.Code)
	}
}

func TestUserFlow(t *testing.T) {
	env := testServer(t, "")
	env.sim.AddSwitch("10.0.0.30", entry.DefaultPort, savant.SwitchSpec{Serial: "SN30"})

	rec := env.do(t, http.MethodPost, "/api/v1/flows", `{"source":"user"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("start status = %d: %s", rec.Code, rec.Body.String())
	}
	form := decode[configflow.FlowResult](t, rec)
	if form.Type != configflow.ResultForm || form.StepID != configflow.StepUser {
		t.Fatalf("start = %+v", form)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/flows", "")
	if got := decode[map[string]any](t, rec)["count"]; got != float64(1) {
		t.Errorf("flows in progress = %v, want 1", got)
	}

	// Missing host re-shows the form with an error.
	rec = env.do(t, http.MethodPost, "/api/v1/flows/"+form.FlowID, `{"port":8085}`)
	res := decode[configflow.FlowResult](t, rec)
	if res.Type != configflow.ResultForm || res.Errors["host"] != configflow.ErrorRequired {
		t.Fatalf("form errors = %+v", res)
	}

	rec = env.do(t, http.MethodPost, "/api/v1/flows/"+form.FlowID, `{"host":"10.0.0.30","port":8085}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("configure status = %d: %s", rec.Code, rec.Body.String())
	}
	res = decode[configflow.FlowResult](t, rec)
	if res.Type != configflow.ResultCreateEntry || res.EntryID == "" {
		t.Fatalf("configure = %+v", res)
	}

	rec = env.do(t, http.MethodPost, "/api/v1/flows/"+form.FlowID, `{"host":"10.0.0.30"}`)
	if rec.Code != http.StatusNotFound {
		t.Errorf("finished flow status = %d, want 404", rec.Code)
	}

	// A second user flow for the same switch aborts.
	form = decode[configflow.FlowResult](t, env.do(t, http.MethodPost, "/api/v1/flows", `{"source":"user"}`))
	res = decode[configflow.FlowResult](t, env.do(t, http.MethodPost, "/api/v1/flows/"+form.FlowID, `{"host":"10.0.0.30"}`))
	if res.Type != configflow.ResultAbort || res.Reason != configflow.ReasonAlreadyConfigured {
		t.Errorf("duplicate = %+v", res)
	}
}

func TestStartFlow_Sources(t *testing.T) {
	env := testServer(t, "")
	env.sim.AddSwitch("10.0.0.40", entry.DefaultPort, savant.SwitchSpec{Serial: "SN40"})

	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantType   configflow.ResultType
		wantReason string
	}{
		{"invalid json", `{`, http.StatusBadRequest, "", ""},
		{"unknown source", `{"source":"dhcp"}`, http.StatusBadRequest, "", ""},
		{"discovery without ip", `{"source":"discovery"}`, http.StatusBadRequest, "", ""},
		{"discovery unreachable", `{"source":"discovery","ip":"10.0.0.99"}`, http.StatusOK, configflow.ResultAbort, configflow.ReasonCannotConnect},
		{"discovery", `{"source":"discovery","ip":"10.0.0.40","hostname":"rack.local"}`, http.StatusCreated, configflow.ResultCreateEntry, ""},
		{"import duplicate", `{"source":"import","host":"10.0.0.40"}`, http.StatusOK, configflow.ResultAbort, configflow.ReasonAlreadyConfigured},
		{"import invalid", `{"source":"import","host":""}`, http.StatusOK, configflow.ResultAbort, configflow.ReasonInvalidConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/api/v1/flows", tt.body)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if tt.wantType == "" {
				return
			}
			res := decode[configflow.FlowResult](t, rec)
			if res.Type != tt.wantType || res.Reason != tt.wantReason {
				t.Errorf("result = %+v, want %s/%s", res, tt.wantType, tt.wantReason)
			}
		})
	}
}

func TestAbortFlow(t *testing.T) {
	env := testServer(t, "")

	form := decode[configflow.FlowResult](t, env.do(t, http.MethodPost, "/api/v1/flows", `{"source":"user"}`))
	rec := env.do(t, http.MethodDelete, "/api/v1/flows/"+form.FlowID, "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("abort status = %d", rec.Code)
	}
	rec = env.do(t, http.MethodDelete, "/api/v1/flows/"+form.FlowID, "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("second abort status = %d, want 404", rec.Code)
	}
}

func TestOptionsFlow(t *testing.T) {
	env := testServer(t, "")
	e := env.addLivingRoom(t)

	rec := env.do(t, http.MethodPost, "/api/v1/entries/missing/options", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("options for missing entry = %d, want 404", rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/api/v1/entries/"+e.ID+"/options", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("start options status = %d: %s", rec.Code, rec.Body.String())
	}
	res := decode[configflow.FlowResult](t, rec)
	if res.StepID != configflow.StepSources {
		t.Fatalf("first step = %s, want %s", res.StepID, configflow.StepSources)
	}
	flowID := res.FlowID

	// Options flow ids are not accepted by the config flow endpoint.
	rec = env.do(t, http.MethodPost, "/api/v1/flows/"+flowID, `{}`)
	if rec.Code != http.StatusNotFound {
		t.Errorf("options flow via /flows = %d, want 404", rec.Code)
	}

	steps := []struct {
		body string
		next string
	}{
		{`{"enabled_sources":["1"]}`, configflow.StepSourceNames},
		{`{"input_1":"CD Player"}`, configflow.StepZones},
		{`{"enabled_zones":["1","2"]}`, configflow.StepZoneNames},
		{`{"zone_1":"Lounge","zone_2":"Kitchen"}`, configflow.StepZoneDefaults},
	}
	for _, step := range steps {
		rec = env.do(t, http.MethodPost, "/api/v1/options/"+flowID, step.body)
		res = decode[configflow.FlowResult](t, rec)
		if res.Type != configflow.ResultForm || res.StepID != step.next {
			t.Fatalf("after %s: %+v", step.body, res)
		}
	}

	rec = env.do(t, http.MethodPost, "/api/v1/options/"+flowID, `{"default_zone_1":"CD Player","default_zone_2":"`+entry.NoneSource+`"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("finish status = %d: %s", rec.Code, rec.Body.String())
	}

	// Committing options reloads the entry with both zones.
	if got := len(env.platform.Zones()); got != 2 {
		t.Errorf("zones after options = %d, want 2", got)
	}
}

func TestEntities(t *testing.T) {
	env := testServer(t, "")
	env.addLivingRoom(t)

	rec := env.do(t, http.MethodGet, "/api/v1/entities", "")
	list := decode[struct {
		Entities []mediaplayer.State `json:"entities"`
		Count    int                 `json:"count"`
	}](t, rec)
	if list.Count != 1 || list.Entities[0].EntityID != "media_player.living_room" {
		t.Fatalf("entities = %+v", list)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/entities/media_player.living_room", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	got := decode[entityResponse](t, rec)
	if got.Name != "Living Room" || got.Registry == nil || got.Registry.UniqueID != "SN20_1" {
		t.Errorf("entity = %+v", got)
	}
	if strings.Join(got.SourceList, ",") != "CD,Streamer" {
		t.Errorf("source list = %v", got.SourceList)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/entities/media_player.nowhere", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing entity status = %d, want 404", rec.Code)
	}
}

func TestCallService(t *testing.T) {
	env := testServer(t, "")
	env.addLivingRoom(t)
	path := "/api/v1/entities/media_player.living_room/services/"

	rec := env.do(t, http.MethodPost, path+"select_source", `{"source":"Streamer"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("select_source status = %d: %s", rec.Code, rec.Body.String())
	}
	st := decode[mediaplayer.State](t, rec)
	if st.State != mediaplayer.StateOn || st.Source != "Streamer" {
		t.Errorf("state after select_source = %s/%s", st.State, st.Source)
	}

	rec = env.do(t, http.MethodPost, path+"set_volume", `{"level":0.5}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("set_volume status = %d: %s", rec.Code, rec.Body.String())
	}
	sw, _ := env.sim.Switch("10.0.0.20", entry.DefaultPort)
	out, err := sw.SimOutput(1)
	if err != nil {
		t.Fatalf("SimOutput: %v", err)
	}
	if out.Volume() != -19 {
		t.Errorf("raw volume = %d, want -19", out.Volume())
	}

	// volume_up takes no parameters; an empty body is fine.
	rec = env.do(t, http.MethodPost, path+"volume_up", "")
	if rec.Code != http.StatusOK {
		t.Errorf("volume_up status = %d: %s", rec.Code, rec.Body.String())
	}

	tests := []struct {
		name    string
		service string
		body    string
		want    int
		code    string
	}{
		{"unknown service", "rewind", "", http.StatusBadRequest, ErrCodeValidation},
		{"unknown source", "select_source", `{"source":"Tape"}`, http.StatusBadRequest, ErrCodeValidation},
		{"volume out of range", "set_volume", `{"level":2}`, http.StatusBadRequest, ErrCodeValidation},
		{"missing parameter", "mute", `{}`, http.StatusBadRequest, ErrCodeValidation},
		{"invalid json", "mute", `{`, http.StatusBadRequest, ErrCodeBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, path+tt.service, tt.body)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tt.want, rec.Body.String())
			}
			if got := decode[Error](t, rec); got.Code != tt.code {
				t.Errorf("code = %q, want %q", got.Code, tt.code)
			}
		})
	}

	rec = env.do(t, http.MethodPost, "/api/v1/entities/media_player.nowhere/services/turn_on", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("service on missing entity = %d, want 404", rec.Code)
	}
}

func TestMetrics(t *testing.T) {
	env := testServer(t, "")
	env.addLivingRoom(t)

	rec := env.do(t, http.MethodGet, "/api/v1/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	m := decode[SystemMetrics](t, rec)
	if m.Entries.Total != 1 || m.Entries.ByState[string(entry.StateLoaded)] != 1 {
		t.Errorf("entries = %+v", m.Entries)
	}
	if m.Zones.Total != 1 || m.Zones.Switches != 1 {
		t.Errorf("zones = %+v", m.Zones)
	}
	if m.Runtime.Goroutines == 0 {
		t.Error("runtime metrics not collected")
	}
}

func TestWebSocket_RequiresAuth(t *testing.T) {
	env := testServer(t, testSecret)

	rec := env.do(t, http.MethodGet, "/api/v1/ws", "")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
	rec = env.do(t, http.MethodGet, "/api/v1/ws?ticket=bogus", "")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("bogus ticket status = %d, want 401", rec.Code)
	}
}

func TestWebSocket_TicketIsSingleUse(t *testing.T) {
	env := testServer(t, testSecret)
	token, err := IssueToken(testSecret, "panel", time.Minute)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	rec := env.do(t, http.MethodPost, "/api/v1/auth/ws-ticket", "", "Authorization", "Bearer "+token)
	if rec.Code != http.StatusOK {
		t.Fatalf("ticket status = %d", rec.Code)
	}
	ticket, _ := decode[map[string]any](t, rec)["ticket"].(string)
	if ticket == "" {
		t.Fatal("empty ticket")
	}

	subject, ok := env.srv.tickets.redeem(ticket)
	if !ok || subject != "panel" {
		t.Fatalf("redeem = %q/%v, want panel/true", subject, ok)
	}
	if _, ok := env.srv.tickets.redeem(ticket); ok {
		t.Error("ticket redeemed twice")
	}
}

func TestWebSocket_StateBroadcast(t *testing.T) {
	env := testServer(t, "")
	env.addLivingRoom(t)

	ts := httptest.NewServer(env.handler)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer resp.Body.Close()
	defer conn.Close()

	sub := wsFrame(t, WSTypeSubscribe, "1", WSSubscribePayload{Channels: []string{ChannelEntityState}})
	if err := conn.WriteJSON(sub); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	//nolint:errcheck // Test deadline
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var ack WSMessage
	if err := conn.ReadJSON(&ack); err != nil {
		t.Fatalf("reading subscribe response: %v", err)
	}
	if ack.Type != WSTypeResponse || ack.ID != "1" {
		t.Fatalf("subscribe response = %+v", ack)
	}

	rec := env.do(t, http.MethodPost, "/api/v1/entities/media_player.living_room/services/select_source", `{"source":"CD"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("select_source status = %d", rec.Code)
	}

	for {
		var msg struct {
			Type      string            `json:"type"`
			EventType string            `json:"event_type"`
			Payload   mediaplayer.State `json:"payload"`
		}
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("waiting for state event: %v", err)
		}
		if msg.Type != WSTypeEvent || msg.EventType != ChannelEntityState {
			continue
		}
		if msg.Payload.EntityID == "media_player.living_room" && msg.Payload.Source == "CD" {
			break
		}
	}

	if env.srv.Hub().ClientCount() != 1 {
		t.Errorf("ClientCount = %d, want 1", env.srv.Hub().ClientCount())
	}
}

func TestHub_EntitiesRemovedSkipsEmpty(t *testing.T) {
	hub := NewHub(config.WebSocketConfig{}, logging.Discard())
	client := testClient(hub, ChannelEntitiesRemoved)
	hub.Register(client)

	hub.EntitiesRemoved(nil)
	if len(client.queue) != 0 {
		t.Fatal("empty removal was broadcast")
	}
	hub.EntitiesRemoved([]string{"media_player.a"})
	if len(client.queue) != 1 {
		t.Fatalf("queued = %d, want 1", len(client.queue))
	}

	hub.Unregister(client)
	if hub.ClientCount() != 0 {
		t.Error("client still registered")
	}
}

func TestServer_StartAndClose(t *testing.T) {
	env := testServer(t, "")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := env.srv.HealthCheck(ctx); err == nil {
		t.Error("HealthCheck before Start should fail")
	}
	if err := env.srv.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if env.srv.Port() == 0 {
		t.Error("Port() should report the bound port")
	}
	if err := env.srv.HealthCheck(ctx); err != nil {
		t.Errorf("HealthCheck: %v", err)
	}

	resp, err := http.Get("http://" + env.srv.Addr() + "/api/v1/health")
	if err != nil {
		t.Fatalf("GET health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}

	if err := env.srv.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func wsFrame(t *testing.T, msgType, id string, payload any) WSMessage {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	return WSMessage{Type: msgType, ID: id, Payload: raw}
}

func testClient(hub *Hub, channels ...string) *WSClient {
	c := &WSClient{
		hub:      hub,
		queue:    make(chan []byte, 16),
		channels: make(map[string]struct{}),
		entities: make(map[string]struct{}),
	}
	for _, ch := range channels {
		c.channels[ch] = struct{}{}
	}
	return c
}

// drain decodes every queued frame.
func drain(t *testing.T, c *WSClient) []map[string]any {
	t.Helper()
	var out []map[string]any
	for {
		select {
		case frame := <-c.queue:
			var m map[string]any
			if err := json.Unmarshal(frame, &m); err != nil {
				t.Fatalf("Unmarshal: %v", err)
			}
			out = append(out, m)
		default:
			return out
		}
	}
}

func TestWSClient_SubscribeReplaysStates(t *testing.T) {
	env := testServer(t, "")
	env.addLivingRoom(t)

	c := testClient(env.srv.Hub())
	c.dispatch(mustJSON(t, wsFrame(t, WSTypeSubscribe, "7", WSSubscribePayload{Channels: []string{ChannelEntityState}})))

	frames := drain(t, c)
	if len(frames) != 2 {
		t.Fatalf("frames = %d, want ack + 1 state", len(frames))
	}
	if frames[0]["type"] != WSTypeResponse || frames[0]["id"] != "7" {
		t.Errorf("first frame = %v, want subscribe response", frames[0])
	}
	payload, _ := frames[1]["payload"].(map[string]any)
	if frames[1]["event_type"] != ChannelEntityState || payload["entity_id"] != "media_player.living_room" {
		t.Errorf("second frame = %v, want living room state", frames[1])
	}
}

func TestWSClient_EntityFilter(t *testing.T) {
	hub := NewHub(config.WebSocketConfig{}, logging.Discard())
	c := testClient(hub)
	hub.Register(c)
	c.dispatch(mustJSON(t, wsFrame(t, WSTypeSubscribe, "", WSSubscribePayload{
		Channels:  []string{ChannelEntityState},
		EntityIDs: []string{"media_player.kitchen"},
	})))
	drain(t, c)

	hub.StateChanged(mediaplayer.State{EntityID: "media_player.patio"})
	hub.StateChanged(mediaplayer.State{EntityID: "media_player.kitchen"})

	frames := drain(t, c)
	if len(frames) != 1 {
		t.Fatalf("frames = %d, want 1", len(frames))
	}
	payload, _ := frames[0]["payload"].(map[string]any)
	if payload["entity_id"] != "media_player.kitchen" {
		t.Errorf("payload = %v, want kitchen", payload)
	}
}

func TestWSClient_CallService(t *testing.T) {
	env := testServer(t, "")
	env.addLivingRoom(t)
	c := testClient(env.srv.Hub())

	c.dispatch(mustJSON(t, wsFrame(t, WSTypeCallService, "9", WSServicePayload{
		EntityID: "media_player.living_room",
		Service:  "select_source",
		Params:   map[string]any{"source": "Streamer"},
	})))
	frames := drain(t, c)
	if len(frames) != 1 || frames[0]["type"] != WSTypeResponse {
		t.Fatalf("frames = %v, want one response", frames)
	}
	payload, _ := frames[0]["payload"].(map[string]any)
	if payload["source"] != "Streamer" {
		t.Errorf("source = %v, want Streamer", payload["source"])
	}

	tests := []struct {
		name    string
		payload WSServicePayload
	}{
		{"missing service", WSServicePayload{EntityID: "media_player.living_room"}},
		{"unknown entity", WSServicePayload{EntityID: "media_player.nope", Service: "turn_on"}},
		{"unknown service", WSServicePayload{EntityID: "media_player.living_room", Service: "explode"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c.dispatch(mustJSON(t, wsFrame(t, WSTypeCallService, "e", tt.payload)))
			frames := drain(t, c)
			if len(frames) != 1 || frames[0]["type"] != WSTypeError {
				t.Errorf("frames = %v, want one error", frames)
			}
		})
	}
}

func TestWSClient_UnknownType(t *testing.T) {
	c := testClient(NewHub(config.WebSocketConfig{}, logging.Discard()))
	c.dispatch([]byte(`{"type":"bogus","id":"x"}`))
	c.dispatch([]byte(`not json`))
	frames := drain(t, c)
	if len(frames) != 2 || frames[0]["type"] != WSTypeError || frames[1]["type"] != WSTypeError {
		t.Errorf("frames = %v, want two errors", frames)
	}
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	return b
}
