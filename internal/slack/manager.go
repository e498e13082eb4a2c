package slack

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/slack-go/slack"
)

// Settings configures the chat workspace connection
type Settings struct {
	BotToken string
	Channel  string
	// APIURL overrides the Slack Web API endpoint (tests, proxies)
	APIURL string
}

// IsActive reports whether enough settings are present to post messages
func (s Settings) IsActive() bool {
	return s.BotToken != "" && s.Channel != ""
}

// Manager manages the Slack client lifecycle with hot-reload support
type Manager struct {
	mu sync.RWMutex

	// Current active client
	client   *slack.Client
	resolver *ChannelResolver
	channel  string

	// settings is consulted on every (re)start
	settings func() Settings

	reloadChan chan struct{}

	// State
	running bool
}

// NewManager creates a new Slack manager reading its settings from source
func NewManager(source func() Settings) *Manager {
	return &Manager{
		settings:   source,
		reloadChan: make(chan struct{}, 1),
	}
}

// GetClient returns the current Slack client (may be nil if not configured)
func (m *Manager) GetClient() *slack.Client {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.client
}

// IsRunning returns true if a client is configured
func (m *Manager) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running
}

// Start initializes the Slack client from the current settings
func (m *Manager) Start() error {
	if m.settings == nil {
		log.Printf("SlackManager: no settings source, chat delivery disabled")
		return nil
	}
	settings := m.settings()
	if !settings.IsActive() {
		log.Printf("SlackManager: Slack is disabled (not configured)")
		return nil
	}
	m.startWithSettings(settings)
	return nil
}

// startWithSettings initializes the client with specific settings
func (m *Manager) startWithSettings(settings Settings) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		m.stopLocked()
	}

	options := []slack.Option{slack.OptionDebug(false)}
	if settings.APIURL != "" {
		options = append(options, slack.OptionAPIURL(settings.APIURL))
	}

	m.client = slack.New(settings.BotToken, options...)
	m.resolver = NewChannelResolver(m.client)
	m.channel = settings.Channel
	m.running = true
	log.Printf("SlackManager: Slack integration is ACTIVE (channel %s)", settings.Channel)
}

// Stop drops the current client
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopLocked()
}

// stopLocked stops the connection (caller must hold the lock)
func (m *Manager) stopLocked() {
	if !m.running {
		return
	}
	log.Printf("SlackManager: Stopping Slack client...")
	m.running = false
	m.client = nil
	m.resolver = nil
	m.channel = ""
}

// Reload reloads Slack settings and rebuilds the client
func (m *Manager) Reload() error {
	log.Printf("SlackManager: Reloading Slack settings...")
	if m.settings == nil {
		m.Stop()
		return nil
	}
	settings := m.settings()
	if !settings.IsActive() {
		log.Printf("SlackManager: Slack is now disabled, stopping client")
		m.Stop()
		return nil
	}
	m.startWithSettings(settings)
	return nil
}

// TriggerReload signals that a reload is needed (non-blocking)
func (m *Manager) TriggerReload() {
	select {
	case m.reloadChan <- struct{}{}:
		log.Printf("SlackManager: Reload triggered")
	default:
		log.Printf("SlackManager: Reload already pending")
	}
}

// WatchForReloads runs a loop that watches for reload signals
func (m *Manager) WatchForReloads(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.reloadChan:
			if err := m.Reload(); err != nil {
				log.Printf("SlackManager: Reload failed: %v", err)
			}
		}
	}
}

// Post sends a plain-text message to the configured channel and returns its timestamp
func (m *Manager) Post(ctx context.Context, text string) (string, error) {
	m.mu.RLock()
	client, resolver, channel, running := m.client, m.resolver, m.channel, m.running
	m.mu.RUnlock()
	if !running {
		return "", fmt.Errorf("slack is not configured")
	}

	channelID, err := resolver.ResolveChannel(channel)
	if err != nil {
		return "", err
	}
	_, ts, err := client.PostMessageContext(ctx, channelID, slack.MsgOptionText(text, false))
	if err != nil {
		return "", fmt.Errorf("failed to post to %s: %w", channel, err)
	}
	return ts, nil
}
