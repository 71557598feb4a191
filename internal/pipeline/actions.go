package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/lexiqai/voice-bridge/internal/llm"
	"github.com/lexiqai/voice-bridge/internal/media"
	"github.com/lexiqai/voice-bridge/internal/resilience"
)

// ActionKind names an action the generator may request
type ActionKind string

const (
	ActionPlayMusic   ActionKind = "play_music"
	ActionCurrentTime ActionKind = "get_current_time"
	ActionWeather     ActionKind = "get_weather"
)

// ActionHandler executes one action on behalf of turn
type ActionHandler func(ctx context.Context, turn *Turn, args map[string]any) (map[string]any, error)

type registeredAction struct {
	spec    llm.ActionSpec
	handler ActionHandler
}

// Registry is the closed set of actions, fixed at startup
type Registry struct {
	actions map[ActionKind]registeredAction
	order   []ActionKind
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{actions: make(map[ActionKind]registeredAction)}
}

// Register adds an action under the declaration's name
func (r *Registry) Register(spec llm.ActionSpec, h ActionHandler) error {
	kind := ActionKind(spec.Name)
	if kind == "" || h == nil {
		return fmt.Errorf("action needs a name and a handler")
	}
	if _, ok := r.actions[kind]; ok {
		return fmt.Errorf("action %q already registered", kind)
	}
	r.actions[kind] = registeredAction{spec: spec, handler: h}
	r.order = append(r.order, kind)
	return nil
}

// MustRegister is Register for static setup; it panics on a bad or
// duplicate declaration.
func (r *Registry) MustRegister(spec llm.ActionSpec, h ActionHandler) {
	if err := r.Register(spec, h); err != nil {
		panic(err)
	}
}

// Specs lists declarations in registration order
func (r *Registry) Specs() []llm.ActionSpec {
	specs := make([]llm.ActionSpec, 0, len(r.order))
	for _, k := range r.order {
		specs = append(specs, r.actions[k].spec)
	}
	return specs
}

// Invoke runs the handler for req. Failures become an error payload so the
// generator can still phrase a reply.
func (r *Registry) Invoke(ctx context.Context, turn *Turn, req llm.ActionRequest) (llm.ActionResult, error) {
	result := llm.ActionResult{Request: req}
	a, ok := r.actions[ActionKind(req.Name)]
	if !ok {
		result.Output = map[string]any{"error": fmt.Sprintf("unknown action %q", req.Name)}
		return result, fmt.Errorf("unknown action %q", req.Name)
	}
	out, err := a.handler(ctx, turn, req.Args)
	if err != nil {
		result.Output = map[string]any{"error": err.Error()}
		return result, err
	}
	result.Output = out
	return result, nil
}

// ActionDeps are the collaborators the built-in actions use
type ActionDeps struct {
	Resolver   media.Resolver
	HTTPClient *http.Client
	WeatherURL string
	Now        func() time.Time
}

// DefaultRegistry registers the built-in actions. play_music is only
// available when a resolver is configured.
func DefaultRegistry(deps ActionDeps) *Registry {
	if deps.HTTPClient == nil {
		deps.HTTPClient = &http.Client{Timeout: 5 * time.Second}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	r := NewRegistry()
	r.MustRegister(llm.ActionSpec{
		Name:        string(ActionCurrentTime),
		Description: "Get the current date and time",
	}, currentTime(deps.Now))
	r.MustRegister(llm.ActionSpec{
		Name:        string(ActionWeather),
		Description: "Get current weather information for a city",
		Params: []llm.ActionParam{
			{Name: "city", Description: "The city name to get weather for", Required: true},
		},
	}, weather(deps.HTTPClient, deps.WeatherURL, resilience.NewCircuitBreaker("weather", 3, 30*time.Second)))
	if deps.Resolver != nil {
		r.MustRegister(llm.ActionSpec{
			Name:        string(ActionPlayMusic),
			Description: "Search for a song and play it after the reply",
			Params: []llm.ActionParam{
				{Name: "song_name", Description: "Song title, optionally with the artist", Required: true},
			},
		}, playMusic(deps.Resolver))
	}
	return r
}

func currentTime(now func() time.Time) ActionHandler {
	return func(ctx context.Context, turn *Turn, args map[string]any) (map[string]any, error) {
		t := now()
		return map[string]any{
			"time":      t.Format("15:04:05"),
			"date":      t.Format("2006-01-02"),
			"day":       t.Format("Monday"),
			"formatted": t.Format("Monday, January 02, 2006 at 03:04 PM"),
		}, nil
	}
}

// wttrResponse is the subset of wttr.in's format=j1 payload we read
type wttrResponse struct {
	CurrentCondition []struct {
		TempC       string `json:"temp_C"`
		TempF       string `json:"temp_F"`
		Humidity    string `json:"humidity"`
		WindKmph    string `json:"windspeedKmph"`
		WeatherDesc []struct {
			Value string `json:"value"`
		} `json:"weatherDesc"`
	} `json:"current_condition"`
}

func weather(client *http.Client, baseURL string, breaker *resilience.CircuitBreaker) ActionHandler {
	return func(ctx context.Context, turn *Turn, args map[string]any) (map[string]any, error) {
		city := stringArg(args, "city")
		if city == "" {
			return nil, errors.New("city is required")
		}

		endpoint := strings.TrimRight(baseURL, "/") + "/" + url.PathEscape(city) + "?format=j1"
		var body wttrResponse
		err := breaker.Execute(ctx, func(ctx context.Context) error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
			if err != nil {
				return fmt.Errorf("failed to create request: %w", err)
			}
			resp, err := client.Do(req)
			if err != nil {
				return fmt.Errorf("weather request failed: %w", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("weather service returned status %d", resp.StatusCode)
			}
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				return fmt.Errorf("failed to decode weather: %w", err)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		if len(body.CurrentCondition) == 0 {
			return nil, fmt.Errorf("no weather data for %s", city)
		}
		cur := body.CurrentCondition[0]
		desc := ""
		if len(cur.WeatherDesc) > 0 {
			desc = cur.WeatherDesc[0].Value
		}
		return map[string]any{
			"city":          city,
			"temperature_c": cur.TempC,
			"temperature_f": cur.TempF,
			"description":   desc,
			"humidity":      cur.Humidity,
			"wind_kph":      cur.WindKmph,
		}, nil
	}
}

func playMusic(resolver media.Resolver) ActionHandler {
	return func(ctx context.Context, turn *Turn, args map[string]any) (map[string]any, error) {
		query := stringArg(args, "song_name")
		if query == "" {
			query = stringArg(args, "query")
		}
		h, err := resolver.Resolve(ctx, query)
		if errors.Is(err, media.ErrNotFound) {
			return map[string]any{"status": "not_found", "message": "Could not find song: " + query}, nil
		}
		if err != nil {
			return nil, err
		}
		if !turn.AttachSideEffect(PendingSideEffect{Media: h}) {
			return nil, ErrTurnCancelled
		}
		return map[string]any{
			"status":   "found",
			"title":    h.Title,
			"artist":   h.Artist,
			"duration": int(h.Duration.Seconds()),
			"note":     "The song starts playing right after your reply.",
		}, nil
	}
}

func stringArg(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return strings.TrimSpace(v)
}
