package source

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mosbiic/pulse/internal/storage"
)

const defaultWeatherBaseURL = "https://api.open-meteo.com"

// Weather records an hourly snapshot of current conditions for the
// configured coordinates. Credentials: none. Settings: latitude,
// longitude, city, base_url.
type Weather struct {
	fetcher *Fetcher
	ttls    TTLs
}

// NewWeather creates the weather adapter.
func NewWeather(f *Fetcher, ttls TTLs) *Weather {
	return &Weather{fetcher: f, ttls: ttls}
}

func (w *Weather) Kind() Kind { return KindWeather }

type weatherCurrent struct {
	Time                string  `json:"time"`
	Temperature         float64 `json:"temperature_2m"`
	ApparentTemperature float64 `json:"apparent_temperature"`
	RelativeHumidity    float64 `json:"relative_humidity_2m"`
	WeatherCode         int     `json:"weather_code"`
	WindSpeed           float64 `json:"wind_speed_10m"`
}

type weatherDaily struct {
	Time           []string  `json:"time"`
	TemperatureMax []float64 `json:"temperature_2m_max"`
	TemperatureMin []float64 `json:"temperature_2m_min"`
}

type weatherResponse struct {
	Timezone string         `json:"timezone"`
	Current  weatherCurrent `json:"current"`
	Daily    weatherDaily   `json:"daily"`
}

// weatherEnvelope is the stored native object: the current block plus the
// matching daily extremes and the configured place name.
type weatherEnvelope struct {
	City     string         `json:"city"`
	Current  weatherCurrent `json:"current"`
	TempMax  *float64       `json:"temp_max,omitempty"`
	TempMin  *float64       `json:"temp_min,omitempty"`
	Timezone string         `json:"timezone"`
}

func (w *Weather) FetchSince(ctx context.Context, cfg Config, since time.Time, limit int, emit EmitFunc) error {
	base := cfg.Setting("base_url", defaultWeatherBaseURL)
	lat := cfg.Setting("latitude", "")
	lon := cfg.Setting("longitude", "")
	if lat == "" || lon == "" {
		return &UnavailableError{Kind: KindWeather, Err: fmt.Errorf("latitude and longitude not configured")}
	}
	city := cfg.Setting("city", lat+","+lon)

	var resp weatherResponse
	if err := w.fetcher.getJSON(ctx, request{
		kind: KindWeather, endpointClass: "forecast",
		url: base + "/v1/forecast",
		params: map[string]string{
			"latitude":  lat,
			"longitude": lon,
			"current":   "temperature_2m,relative_humidity_2m,apparent_temperature,weather_code,wind_speed_10m",
			"daily":     "temperature_2m_max,temperature_2m_min",
			"timezone":  "UTC",
		},
		ttl: w.ttls.Weather,
	}, &resp); err != nil {
		return err
	}

	occurred, err := parseWeatherTime(resp.Current.Time)
	if err != nil {
		return &UnavailableError{Kind: KindWeather, Err: fmt.Errorf("bad current time %q: %w", resp.Current.Time, err)}
	}
	if !since.IsZero() && occurred.Before(since) {
		return nil
	}

	env := weatherEnvelope{City: city, Current: resp.Current, Timezone: resp.Timezone}
	today := occurred.Format("2006-01-02")
	for i, day := range resp.Daily.Time {
		if day != today {
			continue
		}
		if i < len(resp.Daily.TemperatureMax) {
			v := resp.Daily.TemperatureMax[i]
			env.TempMax = &v
		}
		if i < len(resp.Daily.TemperatureMin) {
			v := resp.Daily.TemperatureMin[i]
			env.TempMin = &v
		}
		break
	}

	// Hour-granular native identity: repeated polls within the hour update
	// the same snapshot instead of stacking duplicates.
	id := city + ":" + occurred.Format("2006-01-02T15")
	obj, err := wrapNative(id, occurred, env)
	if err != nil {
		return err
	}
	return emit(obj)
}

func (w *Weather) Normalize(obj NativeObject) (storage.Activity, error) {
	var env weatherEnvelope
	if err := json.Unmarshal(obj.Raw, &env); err != nil {
		return storage.Activity{}, fmt.Errorf("parsing weather snapshot %s: %w", obj.ID, err)
	}
	occurred, err := parseWeatherTime(env.Current.Time)
	if err != nil {
		return storage.Activity{}, fmt.Errorf("weather snapshot %s: bad time %q", obj.ID, env.Current.Time)
	}
	if env.City == "" {
		return storage.Activity{}, fmt.Errorf("weather snapshot %s missing city", obj.ID)
	}

	desc := WeatherDescription(env.Current.WeatherCode)
	meta := map[string]string{
		"city":                 env.City,
		"condition":            desc,
		"weather_code":         fmt.Sprintf("%d", env.Current.WeatherCode),
		"temperature":          formatFloat(env.Current.Temperature),
		"apparent_temperature": formatFloat(env.Current.ApparentTemperature),
		"humidity":             formatFloat(env.Current.RelativeHumidity),
		"wind_speed":           formatFloat(env.Current.WindSpeed),
	}
	if env.TempMax != nil {
		meta["temp_max"] = formatFloat(*env.TempMax)
	}
	if env.TempMin != nil {
		meta["temp_min"] = formatFloat(*env.TempMin)
	}
	if env.Timezone != "" {
		meta["timezone"] = env.Timezone
	}

	return storage.Activity{
		SourceKind:     string(KindWeather),
		SourceNativeID: env.City + ":" + occurred.Format("2006-01-02T15"),
		ActivityKind:   ActivityWeatherSnapshot,
		Title:          fmt.Sprintf("%s: %s, %.1f°C", env.City, desc, env.Current.Temperature),
		Metadata:       meta,
		OccurredAt:     occurred,
		IngestedAt:     time.Now().UTC(),
	}, nil
}

// parseWeatherTime accepts the API's minute-granular local timestamps.
func parseWeatherTime(s string) (time.Time, error) {
	if t, err := time.Parse("2006-01-02T15:04", s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

// WeatherDescription maps a WMO weather interpretation code to a short
// English phrase.
func WeatherDescription(code int) string {
	if d, ok := wmoCodes[code]; ok {
		return d
	}
	return "Unknown"
}

var wmoCodes = map[int]string{
	0:  "Clear sky",
	1:  "Mainly clear",
	2:  "Partly cloudy",
	3:  "Overcast",
	45: "Fog",
	48: "Depositing rime fog",
	51: "Light drizzle",
	53: "Moderate drizzle",
	55: "Dense drizzle",
	56: "Light freezing drizzle",
	57: "Dense freezing drizzle",
	61: "Slight rain",
	63: "Moderate rain",
	65: "Heavy rain",
	66: "Light freezing rain",
	67: "Heavy freezing rain",
	71: "Slight snow fall",
	73: "Moderate snow fall",
	75: "Heavy snow fall",
	77: "Snow grains",
	80: "Slight rain showers",
	81: "Moderate rain showers",
	82: "Violent rain showers",
	85: "Slight snow showers",
	86: "Heavy snow showers",
	95: "Thunderstorm",
	96: "Thunderstorm with slight hail",
	99: "Thunderstorm with heavy hail",
}
