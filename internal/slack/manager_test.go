package slack

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

func TestNewManager(t *testing.T) {
	m := NewManager(nil)
	if m.reloadChan == nil {
		t.Error("reloadChan should be initialized")
	}
	if m.IsRunning() || m.GetClient() != nil {
		t.Error("new manager should not be running")
	}
	if err := m.Start(); err != nil || m.IsRunning() {
		t.Errorf("Start() without settings = %v, running %v", err, m.IsRunning())
	}
}

func TestManager_StartAndReload(t *testing.T) {
	var mu sync.Mutex
	settings := Settings{BotToken: "xoxb-test", Channel: "C01234567890"}
	m := NewManager(func() Settings {
		mu.Lock()
		defer mu.Unlock()
		return settings
	})

	if err := m.Start(); err != nil {
		t.Fatal(err)
	}
	if !m.IsRunning() || m.GetClient() == nil {
		t.Fatal("manager should be running with a client")
	}

	mu.Lock()
	settings.BotToken = ""
	mu.Unlock()
	if err := m.Reload(); err != nil {
		t.Fatal(err)
	}
	if m.IsRunning() {
		t.Error("manager should stop once settings are incomplete")
	}
	if _, err := m.Post(context.Background(), "hello"); err == nil {
		t.Error("Post() on stopped manager should fail")
	}
}

func TestManager_TriggerReload_Coalescing(t *testing.T) {
	m := NewManager(nil)
	for i := 0; i < 5; i++ {
		m.TriggerReload()
	}
	if len(m.reloadChan) != 1 {
		t.Errorf("pending reloads = %d, want 1", len(m.reloadChan))
	}
}

func TestManager_Post(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		got = r.Form.Get("channel") + ":" + r.Form.Get("text")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true,"channel":"C01234567890","ts":"1700000000.000100"}`))
	}))
	defer srv.Close()

	m := NewManager(func() Settings {
		return Settings{BotToken: "xoxb-test", Channel: "C01234567890", APIURL: srv.URL + "/"}
	})
	m.Start()

	ts, err := m.Post(context.Background(), "db-1 is down")
	if err != nil {
		t.Fatal(err)
	}
	if ts != "1700000000.000100" {
		t.Errorf("ts = %q", ts)
	}
	if got != "C01234567890:db-1 is down" {
		t.Errorf("posted %q", got)
	}
}
