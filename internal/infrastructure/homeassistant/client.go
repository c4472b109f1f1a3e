package homeassistant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/voxhome/command-resolver/internal/core/domain"
)

// Client is a minimal REST client for the smart home platform. It serves
// three roles: device registry, device controller, and the platform's own
// sentence recognizer consulted before any model runs.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func New(baseURL, token string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

type stateRecord struct {
	EntityID   string         `json:"entity_id"`
	State      string         `json:"state"`
	Attributes map[string]any `json:"attributes"`
}

func (c *Client) ListExposed(ctx context.Context) ([]domain.Entity, error) {
	var records []stateRecord
	if err := c.getJSON(ctx, "/api/states", &records); err != nil {
		return nil, domain.WrapError(domain.ErrServiceUnavailable, "list states", err)
	}

	out := make([]domain.Entity, 0, len(records))
	for _, rec := range records {
		ent := recordToEntity(rec)
		if !ent.Exposed {
			continue
		}
		out = append(out, ent)
	}
	return out, nil
}

func (c *Client) GetState(ctx context.Context, entityID string) (domain.Entity, error) {
	var rec stateRecord
	if err := c.getJSON(ctx, "/api/states/"+entityID, &rec); err != nil {
		return domain.Entity{}, domain.WrapError(domain.ErrServiceUnavailable, "get state", err)
	}
	if rec.EntityID == "" {
		return domain.Entity{}, domain.WrapError(domain.ErrNotFound, "get state",
			fmt.Errorf("entity %s", entityID))
	}
	return recordToEntity(rec), nil
}

func (c *Client) Areas(ctx context.Context) ([]domain.Area, error) {
	var areas []domain.Area
	if err := c.getJSON(ctx, "/api/areas", &areas); err != nil {
		return nil, domain.WrapError(domain.ErrServiceUnavailable, "list areas", err)
	}
	return areas, nil
}

func (c *Client) Floors(ctx context.Context) ([]domain.Floor, error) {
	var floors []domain.Floor
	if err := c.getJSON(ctx, "/api/floors", &floors); err != nil {
		return nil, domain.WrapError(domain.ErrServiceUnavailable, "list floors", err)
	}
	return floors, nil
}

// Execute translates an intent into the platform's domain/service call.
func (c *Client) Execute(ctx context.Context, intent, entityID string, params map[string]any) error {
	service, data := serviceForIntent(intent, params)
	if service == "" {
		return domain.WrapError(domain.ErrInvalidInput, "execute",
			fmt.Errorf("no service mapping for intent %s", intent))
	}
	data["entity_id"] = entityID

	serviceDomain := strings.SplitN(entityID, ".", 2)[0]
	path := fmt.Sprintf("/api/services/%s/%s", serviceDomain, service)
	if err := c.postJSON(ctx, path, data, nil); err != nil {
		return domain.WrapError(domain.ErrServiceUnavailable, "execute "+intent, err)
	}
	return nil
}

// Recognize runs the platform's conversation endpoint. ok is false when
// the platform had no confident match and the pipeline should escalate.
func (c *Client) Recognize(ctx context.Context, text string) (domain.ParsedIntent, bool, error) {
	request := map[string]any{"text": text, "language": "en"}
	var response struct {
		Response struct {
			ResponseType string `json:"response_type"`
			Data         struct {
				TargetEntities []struct {
					ID string `json:"id"`
				} `json:"success"`
			} `json:"data"`
		} `json:"response"`
		Intent struct {
			Name  string         `json:"name"`
			Slots map[string]any `json:"slots"`
		} `json:"intent"`
	}
	if err := c.postJSON(ctx, "/api/conversation/process", request, &response); err != nil {
		return domain.ParsedIntent{}, false, domain.WrapError(domain.ErrServiceUnavailable, "recognize", err)
	}
	if response.Response.ResponseType == "error" || response.Intent.Name == "" {
		return domain.ParsedIntent{}, false, nil
	}

	parsed := domain.ParsedIntent{
		Intent: mapPlatformIntent(response.Intent.Name),
		Params: response.Intent.Slots,
	}
	if parsed.Intent == "" {
		return domain.ParsedIntent{}, false, nil
	}
	if name, ok := response.Intent.Slots["name"].(string); ok {
		parsed.Name = name
	}
	if area, ok := response.Intent.Slots["area"].(string); ok {
		parsed.Area = area
	}
	return parsed, true, nil
}

func serviceForIntent(intent string, params map[string]any) (string, map[string]any) {
	data := make(map[string]any)
	switch intent {
	case domain.IntentTurnOn:
		return "turn_on", data
	case domain.IntentTurnOff:
		return "turn_off", data
	case domain.IntentLightSet:
		for _, key := range []string{"brightness_pct", "color_name", "color_temp"} {
			if v, ok := params[key]; ok {
				data[key] = v
			}
		}
		return "turn_on", data
	case domain.IntentSetPosition:
		if v, ok := params["position"]; ok {
			data["position"] = v
		}
		return "set_cover_position", data
	case domain.IntentSetTemperature:
		if v, ok := params["temperature"]; ok {
			data["temperature"] = v
		}
		return "set_temperature", data
	case domain.IntentDelayedControl, domain.IntentTempControl:
		// Scheduling is platform-side; the call carries the delay along.
		for k, v := range params {
			data[k] = v
		}
		return "turn_on", data
	case domain.IntentTimerSet:
		if v, ok := params["duration_seconds"]; ok {
			data["duration"] = v
		}
		return "start", data
	case domain.IntentTimerCancel:
		return "cancel", data
	default:
		return "", data
	}
}

func mapPlatformIntent(name string) string {
	switch name {
	case "HassTurnOn":
		return domain.IntentTurnOn
	case "HassTurnOff":
		return domain.IntentTurnOff
	case "HassLightSet":
		return domain.IntentLightSet
	case "HassSetPosition":
		return domain.IntentSetPosition
	case "HassGetState":
		return domain.IntentGetState
	case "HassClimateSetTemperature":
		return domain.IntentSetTemperature
	case "HassTimerSet", "HassStartTimer":
		return domain.IntentTimerSet
	case "HassTimerCancel", "HassCancelTimer":
		return domain.IntentTimerCancel
	default:
		return ""
	}
}

func recordToEntity(rec stateRecord) domain.Entity {
	ent := domain.Entity{
		ID:         rec.EntityID,
		Domain:     strings.SplitN(rec.EntityID, ".", 2)[0],
		State:      rec.State,
		Attributes: rec.Attributes,
	}
	if name, ok := rec.Attributes["friendly_name"].(string); ok {
		ent.Name = name
	}
	if area, ok := rec.Attributes["area_id"].(string); ok {
		ent.AreaID = area
	}
	exposed, present := rec.Attributes["exposed"].(bool)
	ent.Exposed = !present || exposed
	return ent
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	return c.do(req, out)
}

func (c *Client) postJSON(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("%s %s status %s: %s", req.Method, req.URL.Path, resp.Status, strings.TrimSpace(string(body)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", req.URL.Path, err)
	}
	return nil
}
