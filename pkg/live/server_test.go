package live

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/glintlabs/glint/pkg/state"
)

func newTestServer(t *testing.T) (*Server, *state.Manager, *httptest.Server) {
	t.Helper()
	cfg := state.DefaultConfig()
	cfg.CleanupInterval = time.Hour
	manager := state.NewManager(cfg, nil, nil)
	t.Cleanup(func() { manager.Shutdown(context.Background()) })

	srv := NewServer(manager, &ServerConfig{
		HeartbeatInterval: 100 * time.Millisecond,
		WriteTimeout:      time.Second,
	}, nil)
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)
	return srv, manager, ts
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s failed: %v", url, err)
	}
	return resp
}

func registerWidget(t *testing.T, baseURL, widgetID, html string) registerWidgetResponse {
	t.Helper()
	resp := postJSON(t, baseURL+"/widgets", registerWidgetRequest{WidgetID: widgetID, HTML: html})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("widget registration: got status %d", resp.StatusCode)
	}
	var out registerWidgetResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode registration response: %v", err)
	}
	return out
}

func TestRegisterWidgetEndpoint(t *testing.T) {
	_, manager, ts := newTestServer(t)

	t.Run("GeneratesIDAndToken", func(t *testing.T) {
		got := registerWidget(t, ts.URL, "", "<div>hi</div>")
		if got.WidgetID == "" || got.Token == "" {
			t.Fatalf("registration response missing identifiers: %+v", got)
		}

		rec, err := manager.GetWidget(context.Background(), got.WidgetID)
		if err != nil || rec == nil {
			t.Fatalf("registered widget not stored: rec=%v err=%v", rec, err)
		}
		if rec.Token != got.Token {
			t.Error("stored token does not match the response")
		}
	})

	t.Run("KeepsExplicitID", func(t *testing.T) {
		got := registerWidget(t, ts.URL, "widget-explicit", "<p/>")
		if got.WidgetID != "widget-explicit" {
			t.Errorf("widget ID: got %q, want widget-explicit", got.WidgetID)
		}
	})

	t.Run("RejectsEmptyHTML", func(t *testing.T) {
		resp := postJSON(t, ts.URL+"/widgets", registerWidgetRequest{})
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("empty registration: got status %d, want 400", resp.StatusCode)
		}
	})
}

func TestWidgetPage(t *testing.T) {
	_, _, ts := newTestServer(t)
	reg := registerWidget(t, ts.URL, "widget-1", "<div>page</div>")

	t.Run("WithToken", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/w/widget-1?token=" + reg.Token)
		if err != nil {
			t.Fatalf("GET failed: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("widget page: got status %d", resp.StatusCode)
		}
		var buf bytes.Buffer
		buf.ReadFrom(resp.Body)
		if buf.String() != "<div>page</div>" {
			t.Errorf("widget page body: got %q", buf.String())
		}
	})

	t.Run("WrongToken", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/w/widget-1?token=wrong")
		if err != nil {
			t.Fatalf("GET failed: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusForbidden {
			t.Errorf("wrong token: got status %d, want 403", resp.StatusCode)
		}
	})

	t.Run("MissingWidget", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/w/no-such-widget")
		if err != nil {
			t.Fatalf("GET failed: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("missing widget: got status %d, want 404", resp.StatusCode)
		}
	})
}

func TestUpdateAndDeleteWidget(t *testing.T) {
	_, manager, ts := newTestServer(t)
	registerWidget(t, ts.URL, "widget-1", "<div>v1</div>")

	t.Run("UpdateHTML", func(t *testing.T) {
		body, _ := json.Marshal(updateHTMLRequest{HTML: "<div>v2</div>"})
		req, _ := http.NewRequest(http.MethodPut, ts.URL+"/w/widget-1/html", bytes.NewReader(body))
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("PUT failed: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusNoContent {
			t.Fatalf("update: got status %d", resp.StatusCode)
		}

		html, _, _ := manager.GetWidgetHTML(context.Background(), "widget-1")
		if html != "<div>v2</div>" {
			t.Errorf("HTML after update: got %q", html)
		}
	})

	t.Run("UpdateMissingWidget", func(t *testing.T) {
		body, _ := json.Marshal(updateHTMLRequest{HTML: "<p/>"})
		req, _ := http.NewRequest(http.MethodPut, ts.URL+"/w/no-such/html", bytes.NewReader(body))
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("PUT failed: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("update missing: got status %d, want 404", resp.StatusCode)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/w/widget-1", nil)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("DELETE failed: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusNoContent {
			t.Fatalf("delete: got status %d", resp.StatusCode)
		}
		if exists, _ := manager.WidgetExists(context.Background(), "widget-1"); exists {
			t.Error("widget still exists after delete")
		}
	})
}

func TestHealthzAndStats(t *testing.T) {
	_, manager, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz: got status %d", resp.StatusCode)
	}
	var health map[string]string
	json.NewDecoder(resp.Body).Decode(&health)
	if health["status"] != "ok" || health["worker_id"] != manager.WorkerID() {
		t.Errorf("healthz body: %v", health)
	}

	registerWidget(t, ts.URL, "widget-1", "<p/>")
	resp, err = http.Get(ts.URL + "/stats")
	if err != nil {
		t.Fatalf("GET /stats failed: %v", err)
	}
	defer resp.Body.Close()
	var stats state.Stats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.Widgets != 1 {
		t.Errorf("stats widgets: got %d, want 1", stats.Widgets)
	}
}
