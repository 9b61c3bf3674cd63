package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Catalog is a deployment-specific set of webhook tools loaded from YAML.
type Catalog struct {
	Tools []WebhookSpec `yaml:"tools"`
}

// WebhookSpec declares one tool that is answered by an HTTP endpoint.
type WebhookSpec struct {
	Name        string            `yaml:"name"`
	Description string            `yaml:"description"`
	URL         string            `yaml:"url"`
	Method      string            `yaml:"method,omitempty"`
	Headers     map[string]string `yaml:"headers,omitempty"`
	Timeout     time.Duration     `yaml:"timeout,omitempty"`
	Parameters  map[string]any    `yaml:"parameters,omitempty"`
}

// ParseCatalog parses catalog YAML. Header values may reference environment
// variables as ${NAME}.
func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parsing tool catalog: %w", err)
	}
	for i, s := range c.Tools {
		if s.Name == "" {
			return nil, fmt.Errorf("tool catalog: entry %d: name is required", i)
		}
		if s.URL == "" {
			return nil, fmt.Errorf("tool catalog: %s: url is required", s.Name)
		}
		for k, v := range s.Headers {
			c.Tools[i].Headers[k] = os.ExpandEnv(v)
		}
	}
	return &c, nil
}

// LoadWebhookTools reads a catalog file and registers each entry in reg.
// This is the secondary registration pass after built-ins.
func LoadWebhookTools(path string, reg *Registry, client *http.Client) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("reading tool catalog: %w", err)
	}
	cat, err := ParseCatalog(data)
	if err != nil {
		return 0, err
	}
	for _, spec := range cat.Tools {
		w, err := NewWebhook(spec, client)
		if err != nil {
			return 0, err
		}
		if err = reg.Register(w); err != nil {
			return 0, err
		}
	}
	return len(cat.Tools), nil
}

// Webhook is a tool backed by an HTTP endpoint.
type Webhook struct {
	spec   WebhookSpec
	params json.RawMessage
	client *http.Client
}

// NewWebhook builds a webhook tool from its spec.
func NewWebhook(spec WebhookSpec, client *http.Client) (*Webhook, error) {
	if client == nil {
		client = NewToolHTTPClient(0, 0)
	}
	if spec.Method == "" {
		spec.Method = http.MethodPost
	}
	params := json.RawMessage(`{"type":"object","properties":{}}`)
	if len(spec.Parameters) > 0 {
		b, err := json.Marshal(spec.Parameters)
		if err != nil {
			return nil, fmt.Errorf("tool %s parameters: %w", spec.Name, err)
		}
		params = b
	}
	return &Webhook{spec: spec, params: params, client: client}, nil
}

func (w *Webhook) Name() string                { return w.spec.Name }
func (w *Webhook) Description() string         { return w.spec.Description }
func (w *Webhook) Parameters() json.RawMessage { return w.params }

type webhookRequest struct {
	SessionID string          `json:"session_id"`
	Tool      string          `json:"tool"`
	Arguments json.RawMessage `json:"arguments"`
}

func (w *Webhook) Execute(ctx context.Context, call Call, args json.RawMessage) (string, error) {
	if w.spec.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.spec.Timeout)
		defer cancel()
	}
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	body, err := json.Marshal(webhookRequest{SessionID: call.SessionID, Tool: w.spec.Name, Arguments: args})
	if err != nil {
		return "", fmt.Errorf("%s marshal: %w", w.spec.Name, err)
	}

	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(w.spec.Method), w.spec.URL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%s request: %w", w.spec.Name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.spec.Headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%s call: %w", w.spec.Name, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", fmt.Errorf("%s read: %w", w.spec.Name, err)
	}
	if resp.StatusCode/100 != 2 {
		return "", fmt.Errorf("%s: status %d", w.spec.Name, resp.StatusCode)
	}

	var out struct {
		Result string `json:"result"`
	}
	if json.Unmarshal(raw, &out) == nil && out.Result != "" {
		return out.Result, nil
	}
	return strings.TrimSpace(string(raw)), nil
}
