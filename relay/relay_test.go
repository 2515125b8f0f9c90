package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/mesmerverse/agency-relay/protocol"
	"github.com/mesmerverse/agency-relay/router"
	"github.com/mesmerverse/agency-relay/storage"
)

const testSeed = "00000000000000000000000000Relay1"

func testConfig(t *testing.T) *Config {
	t.Helper()

	cfg := DefaultConfig()
	cfg.Server.Listen = "127.0.0.1:0"
	cfg.Storage.Path = filepath.Join(t.TempDir(), "relay.db")
	cfg.ForwardAgent.Seed = testSeed
	cfg.ForwardAgent.Passphrase = "relay-test"
	cfg.ForwardAgent.Endpoint = "http://relay.test/agency/msg"
	cfg.Admin.Enabled = true
	return cfg
}

func newTestRelay(t *testing.T, cfg *Config) (*Relay, *httptest.Server) {
	t.Helper()

	rl, err := NewRelay(context.Background(), cfg)
	if err != nil {
		t.Fatalf("NewRelay failed: %v", err)
	}
	srv := httptest.NewServer(rl.Handler())
	t.Cleanup(func() {
		srv.Close()
		rl.Close()
	})
	return rl, srv
}

func encodeMessage(t *testing.T, msgType protocol.MessageType, payload any) (*protocol.Message, []byte) {
	t.Helper()

	msg, err := protocol.NewMessage(msgType, payload)
	if err != nil {
		t.Fatalf("Failed to build %s: %v", msgType, err)
	}
	data, err := msg.Encode()
	if err != nil {
		t.Fatalf("Failed to encode %s: %v", msgType, err)
	}
	return msg, data
}

func forward(t *testing.T, to string, data []byte) []byte {
	t.Helper()

	env, err := protocol.NewForward(to, data).Encode()
	if err != nil {
		t.Fatalf("Failed to encode forward: %v", err)
	}
	return env
}

func post(t *testing.T, srv *httptest.Server, path string, body []byte) (*http.Response, []byte) {
	t.Helper()

	resp, err := http.Post(srv.URL+path, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s failed: %v", path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read response: %v", err)
	}
	return resp, data
}

func get(t *testing.T, srv *httptest.Server, path string) (*http.Response, []byte) {
	t.Helper()

	resp, err := http.Get(srv.URL + path)
	if err != nil {
		t.Fatalf("GET %s failed: %v", path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read response: %v", err)
	}
	return resp, data
}

// send posts a message (wrapped in a forward envelope when to is set) and
// decodes the reply payload into out.
func send(t *testing.T, srv *httptest.Server, to string, msgType protocol.MessageType, payload any, want protocol.MessageType, out any) {
	t.Helper()

	msg, body := encodeMessage(t, msgType, payload)
	if to != "" {
		body = forward(t, to, body)
	}

	resp, data := post(t, srv, "/agency/msg", body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("%s: status %d: %s", msgType, resp.StatusCode, data)
	}

	reply, err := protocol.ParseMessage(data)
	if err != nil {
		t.Fatalf("%s: failed to parse reply: %v", msgType, err)
	}
	if reply.Type != want {
		t.Fatalf("%s: expected %s, got %s (%s)", msgType, want, reply.Type, reply.Payload)
	}
	if reply.ID != msg.ID {
		t.Errorf("%s: reply id %q, want %q", msgType, reply.ID, msg.ID)
	}
	if out != nil {
		if err := reply.Decode(out); err != nil {
			t.Fatalf("%s: failed to decode reply: %v", msgType, err)
		}
	}
}

func decodeError(t *testing.T, data []byte) ErrorBody {
	t.Helper()

	var body ErrorBody
	if err := json.Unmarshal(data, &body); err != nil {
		t.Fatalf("Failed to decode error body %q: %v", data, err)
	}
	return body
}

func TestEndpointDetails(t *testing.T) {
	rl, srv := newTestRelay(t, testConfig(t))

	for _, path := range []string{"/agency", "/agency/"} {
		resp, data := get(t, srv, path)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("GET %s: status %d", path, resp.StatusCode)
		}

		var detail protocol.AgencyDetail
		if err := json.Unmarshal(data, &detail); err != nil {
			t.Fatalf("Failed to decode details: %v", err)
		}
		if detail.DID != rl.agency.Signer().DID() {
			t.Errorf("DID = %q, want %q", detail.DID, rl.agency.Signer().DID())
		}
		if detail.Endpoint != "http://relay.test/agency/msg" {
			t.Errorf("Endpoint = %q", detail.Endpoint)
		}
	}
}

func TestForwardFlow(t *testing.T) {
	rl, srv := newTestRelay(t, testConfig(t))

	var detail protocol.AgencyDetail
	send(t, srv, "", protocol.MessageTypeAgencyInfo, nil, protocol.MessageTypeAgencyDetail, &detail)
	if detail.Verkey != rl.agency.Signer().Verkey() {
		t.Errorf("Unexpected forward agent verkey %q", detail.Verkey)
	}

	var created protocol.AgentCreated
	send(t, srv, "", protocol.MessageTypeCreateAgent,
		protocol.CreateAgent{ForDID: "client-did", ForVerkey: "client-verkey"},
		protocol.MessageTypeAgentCreated, &created)

	// Reachable by DID and by verkey
	for _, to := range []string{created.AgentDID, created.AgentVerkey} {
		send(t, srv, to, protocol.MessageTypeUpdateConfigs,
			protocol.UpdateConfigs{Configs: map[string]string{"name": "alice"}},
			protocol.MessageTypeConfigs, nil)
	}

	var configs protocol.Configs
	send(t, srv, created.AgentDID, protocol.MessageTypeGetConfigs, nil, protocol.MessageTypeConfigs, &configs)
	if configs.Configs["name"] != "alice" {
		t.Errorf("Configs = %v", configs.Configs)
	}
}

func TestForwardErrors(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.MaxPayload = 4096
	_, srv := newTestRelay(t, cfg)

	_, getConfigs := encodeMessage(t, protocol.MessageTypeGetConfigs, nil)

	tests := []struct {
		name   string
		body   []byte
		status int
		code   string
	}{
		{"empty body", nil, http.StatusBadRequest, CodeInvalidEnvelope},
		{"not json", []byte("not json"), http.StatusBadRequest, CodeInvalidEnvelope},
		{"forward without destination", []byte(`{"@type":"forward","@msg":"eA=="}`), http.StatusBadRequest, CodeInvalidEnvelope},
		{"unknown destination", forward(t, "unknown-did", getConfigs), http.StatusNotFound, CodeNoRoute},
		{"too large", bytes.Repeat([]byte("x"), 8192), http.StatusRequestEntityTooLarge, CodePayloadTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, data := post(t, srv, "/agency/msg", tt.body)
			if resp.StatusCode != tt.status {
				t.Fatalf("Status = %d, want %d (%s)", resp.StatusCode, tt.status, data)
			}
			body := decodeError(t, data)
			if body.Error.Code != tt.code {
				t.Errorf("Code = %q, want %q", body.Error.Code, tt.code)
			}
			if !strings.HasPrefix(body.RequestID, "req_") {
				t.Errorf("RequestID = %q, want req_ prefix", body.RequestID)
			}
			if resp.Header.Get("X-Request-Id") != body.RequestID {
				t.Errorf("X-Request-Id header does not match body")
			}
		})
	}
}

func TestStoppedAgentIsRestoredOverHTTP(t *testing.T) {
	rl, srv := newTestRelay(t, testConfig(t))

	var created protocol.AgentCreated
	send(t, srv, "", protocol.MessageTypeCreateAgent,
		protocol.CreateAgent{ForDID: "client-did", ForVerkey: "client-verkey"},
		protocol.MessageTypeAgentCreated, &created)

	if !rl.agency.Directory().Stop(created.AgentDID) {
		t.Fatal("Agent not in directory")
	}

	send(t, srv, created.AgentDID, protocol.MessageTypeGetConfigs, nil, protocol.MessageTypeConfigs, nil)

	if rl.router.Stats().Restorations == 0 {
		t.Error("Expected a restoration")
	}
	if _, ok := rl.agency.Directory().Agent(created.AgentDID); !ok {
		t.Error("Restored agent missing from directory")
	}
}

func TestRestartRestoresRoutes(t *testing.T) {
	cfg := testConfig(t)

	rl, err := NewRelay(context.Background(), cfg)
	if err != nil {
		t.Fatalf("NewRelay failed: %v", err)
	}
	srv := httptest.NewServer(rl.Handler())

	var created protocol.AgentCreated
	send(t, srv, "", protocol.MessageTypeCreateAgent,
		protocol.CreateAgent{ForDID: "client-did", ForVerkey: "client-verkey"},
		protocol.MessageTypeAgentCreated, &created)

	srv.Close()
	rl.Close()

	// Same wallet, seed and database
	_, srv2 := newTestRelay(t, cfg)
	send(t, srv2, created.AgentVerkey, protocol.MessageTypeGetConfigs, nil, protocol.MessageTypeConfigs, nil)
}

func TestAdminAPI(t *testing.T) {
	rl, srv := newTestRelay(t, testConfig(t))

	var created protocol.AgentCreated
	send(t, srv, "", protocol.MessageTypeCreateAgent,
		protocol.CreateAgent{ForDID: "client-did", ForVerkey: "client-verkey"},
		protocol.MessageTypeAgentCreated, &created)

	var key protocol.KeyCreated
	send(t, srv, created.AgentDID, protocol.MessageTypeCreateKey,
		protocol.CreateKey{ForDID: "peer-did", ForVerkey: "peer-verkey"},
		protocol.MessageTypeKeyCreated, &key)

	resp, data := get(t, srv, "/admin/")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Snapshot status %d", resp.StatusCode)
	}
	var snap router.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatalf("Failed to decode snapshot: %v", err)
	}
	if want := rl.router.Snapshot(); fmt.Sprint(snap) != fmt.Sprint(want) {
		t.Errorf("Snapshot = %+v, want %+v", snap, want)
	}
	if len(snap.AgentRoutes) != 4 || len(snap.ConnectionRoutes) != 2 {
		t.Errorf("Unexpected route counts: %+v", snap)
	}

	tests := []struct {
		path   string
		status int
		want   string
	}{
		{"/admin/forward-agent", http.StatusOK, rl.agency.Signer().DID()},
		{"/admin/agent/" + created.AgentDID, http.StatusOK, key.WithPairwiseDID},
		{"/admin/agent/unknown", http.StatusNotFound, CodeNotFound},
		{"/admin/agent-connection/" + key.WithPairwiseDID, http.StatusOK, "peer-verkey"},
		{"/admin/agent-connection/" + created.AgentDID, http.StatusNotFound, CodeNotFound},
	}
	for _, tt := range tests {
		resp, data := get(t, srv, tt.path)
		if resp.StatusCode != tt.status {
			t.Errorf("GET %s: status %d, want %d", tt.path, resp.StatusCode, tt.status)
			continue
		}
		if !bytes.Contains(data, []byte(tt.want)) {
			t.Errorf("GET %s: body %s does not contain %q", tt.path, data, tt.want)
		}
	}
}

func TestAdminDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Admin.Enabled = false
	_, srv := newTestRelay(t, cfg)

	for _, path := range []string{"/admin/", "/admin/forward-agent"} {
		resp, _ := get(t, srv, path)
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("GET %s: status %d, want 404", path, resp.StatusCode)
		}
	}
}

func TestHealthEndpoints(t *testing.T) {
	_, srv := newTestRelay(t, testConfig(t))

	var created protocol.AgentCreated
	send(t, srv, "", protocol.MessageTypeCreateAgent,
		protocol.CreateAgent{ForDID: "client-did", ForVerkey: "client-verkey"},
		protocol.MessageTypeAgentCreated, &created)

	resp, data := get(t, srv, "/health")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Health status %d", resp.StatusCode)
	}
	var status HealthStatus
	if err := json.Unmarshal(data, &status); err != nil {
		t.Fatalf("Failed to decode health: %v", err)
	}
	if !status.Healthy || status.NATSEnabled || status.AgentRoutes != 2 || status.StoreDriver != DriverSQLite {
		t.Errorf("Unexpected health status %+v", status)
	}

	resp, data = get(t, srv, "/ready")
	if resp.StatusCode != http.StatusOK || string(data) != "ready" {
		t.Errorf("Ready = %d %q", resp.StatusCode, data)
	}

	resp, data = get(t, srv, "/metrics")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Metrics status %d", resp.StatusCode)
	}
	for _, line := range []string{
		"relay_healthy 1",
		`relay_routes{table="agent"} 2`,
		`relay_entities{kind="agent"} 1`,
		`relay_dispatches_total{table="default"} 1`,
		"relay_registrations_total 1",
	} {
		if !strings.Contains(string(data), line+"\n") {
			t.Errorf("Metrics missing %q", line)
		}
	}
}

func TestNotReadyUntilNATSConnects(t *testing.T) {
	cfg := testConfig(t)
	cfg.NATS.Enabled = true
	rl, srv := newTestRelay(t, cfg)

	resp, data := get(t, srv, "/ready")
	if resp.StatusCode != http.StatusServiceUnavailable || string(data) != "not ready" {
		t.Errorf("Ready = %d %q, want 503 not ready", resp.StatusCode, data)
	}

	rl.health.SetNATSConnected(true)
	if resp, _ := get(t, srv, "/ready"); resp.StatusCode != http.StatusOK {
		t.Errorf("Ready after connect = %d, want 200", resp.StatusCode)
	}
	if enabled, status := rl.natsStatus(); !enabled || status != "connecting" {
		t.Errorf("natsStatus() = %v %q", enabled, status)
	}
}

func TestClassifyRouteError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"no route", &router.NoRouteError{Table: router.TableAgent, Identity: "x", Err: storage.ErrNotFound}, http.StatusNotFound, CodeNoRoute},
		{"delivery", &router.DeliveryError{Table: router.TableAgent, Identity: "x", Err: errors.New("boom")}, http.StatusBadGateway, CodeDeliveryFailed},
		{"delivery timeout", &router.DeliveryError{Table: router.TableAgent, Identity: "x", Err: context.DeadlineExceeded}, http.StatusGatewayTimeout, CodeDeliveryTimeout},
		{"other", errors.New("boom"), http.StatusInternalServerError, CodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, code, message := classifyRouteError(tt.err)
			if status != tt.status || code != tt.code {
				t.Errorf("classifyRouteError() = %d %s, want %d %s", status, code, tt.status, tt.code)
			}
			if strings.Contains(message, "boom") {
				t.Errorf("Handler error leaked to client: %q", message)
			}
		})
	}
}

func TestSanitizeErrorForClient(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"no route", "no route"},
		{strings.Repeat("x", 120), strings.Repeat("x", 100) + "..."},
		{strings.Repeat("x", 99) + "日本", strings.Repeat("x", 99) + "..."},
		{strings.Repeat("ü", 51), strings.Repeat("ü", 50) + "..."},
	}

	for _, tt := range tests {
		got := sanitizeErrorForClient(tt.in)
		if got != tt.want {
			t.Errorf("sanitizeErrorForClient(%q) = %q, want %q", tt.in, got, tt.want)
		}
		if !utf8.ValidString(got) {
			t.Errorf("sanitizeErrorForClient(%q) split a rune", tt.in)
		}
	}
}

func TestRoutesCommand(t *testing.T) {
	rl, srv := newTestRelay(t, testConfig(t))

	var created protocol.AgentCreated
	send(t, srv, "", protocol.MessageTypeCreateAgent,
		protocol.CreateAgent{ForDID: "client-did", ForVerkey: "client-verkey"},
		protocol.MessageTypeAgentCreated, &created)

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"routes", "--url", srv.URL})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("routes failed: %v", err)
	}

	if !strings.Contains(out.String(), "agent routes: 2\n") {
		t.Errorf("Unexpected output:\n%s", out.String())
	}
	if !strings.Contains(out.String(), created.AgentDID) {
		t.Errorf("Output missing agent DID %s", created.AgentDID)
	}

	out.Reset()
	cmd = newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"routes", "--url", srv.URL, "--json"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("routes --json failed: %v", err)
	}
	var snap router.Snapshot
	if err := json.Unmarshal(out.Bytes(), &snap); err != nil {
		t.Fatalf("Failed to decode JSON output: %v", err)
	}
	if len(snap.AgentRoutes) != rl.router.Stats().AgentRoutes {
		t.Errorf("JSON snapshot has %d agent routes", len(snap.AgentRoutes))
	}
}

func TestRoutesCommandAdminDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Admin.Enabled = false
	_, srv := newTestRelay(t, cfg)

	cmd := newRootCmd()
	cmd.SetOut(io.Discard)
	cmd.SetArgs([]string{"routes", "--url", srv.URL})
	if err := cmd.Execute(); err == nil || !strings.Contains(err.Error(), "404") {
		t.Fatalf("Expected 404 error, got %v", err)
	}
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("version failed: %v", err)
	}
	if out.String() != "version: "+Version+"\n" {
		t.Errorf("Unexpected output %q", out.String())
	}
}
