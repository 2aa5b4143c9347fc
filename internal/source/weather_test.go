package source

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func weatherTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/forecast" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("latitude") != "52.52" || q.Get("longitude") != "13.41" {
			t.Errorf("coordinates = %s,%s", q.Get("latitude"), q.Get("longitude"))
		}
		// Timestamps must come back in UTC so occurred_at lines up with
		// the other sources.
		if q.Get("timezone") != "UTC" {
			t.Errorf("timezone param = %q, want UTC", q.Get("timezone"))
		}
		w.Write([]byte(`{
			"timezone":"UTC",
			"current":{"time":"2026-02-10T14:30","temperature_2m":3.4,
			 "relative_humidity_2m":78,"apparent_temperature":0.1,
			 "weather_code":71,"wind_speed_10m":12.5},
			"daily":{"time":["2026-02-10","2026-02-11"],
			 "temperature_2m_max":[4.2,5.0],"temperature_2m_min":[-1.3,0.2]}
		}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestWeatherFetchSince(t *testing.T) {
	srv := weatherTestServer(t)
	adapter := NewWeather(newTestFetcher(t, nil), TTLs{})
	cfg := Config{Settings: map[string]string{
		"base_url": srv.URL,
		"latitude": "52.52", "longitude": "13.41",
		"city": "Berlin",
	}}

	var got []NativeObject
	err := adapter.FetchSince(context.Background(), cfg, time.Time{}, 0, func(obj NativeObject) error {
		got = append(got, obj)
		return nil
	})
	if err != nil {
		t.Fatalf("FetchSince: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("emitted %d objects, want 1", len(got))
	}
	if got[0].ID != "Berlin:2026-02-10T14" {
		t.Fatalf("native id = %s, want hour-granular Berlin:2026-02-10T14", got[0].ID)
	}
	want := time.Date(2026, 2, 10, 14, 30, 0, 0, time.UTC)
	if !got[0].OccurredAt.Equal(want) {
		t.Fatalf("occurred = %v, want %v (UTC)", got[0].OccurredAt, want)
	}
}

// A zero limit means unlimited, same as the other adapters.
func TestWeatherFetchSinceZeroLimitEmits(t *testing.T) {
	srv := weatherTestServer(t)
	adapter := NewWeather(newTestFetcher(t, nil), TTLs{})
	cfg := Config{Settings: map[string]string{
		"base_url": srv.URL,
		"latitude": "52.52", "longitude": "13.41",
	}}

	emitted := 0
	if err := adapter.FetchSince(context.Background(), cfg, time.Time{}, 0, func(NativeObject) error {
		emitted++
		return nil
	}); err != nil {
		t.Fatalf("FetchSince: %v", err)
	}
	if emitted != 1 {
		t.Fatalf("emitted %d snapshots with limit 0, want 1", emitted)
	}
}

func TestWeatherFetchSinceMissingCoordinates(t *testing.T) {
	adapter := NewWeather(newTestFetcher(t, nil), TTLs{})
	err := adapter.FetchSince(context.Background(), Config{}, time.Time{}, 0, func(NativeObject) error {
		t.Fatal("emit called without coordinates")
		return nil
	})
	if err == nil {
		t.Fatal("FetchSince succeeded without coordinates")
	}
}

func TestWeatherFetchSinceHonorsSince(t *testing.T) {
	srv := weatherTestServer(t)
	adapter := NewWeather(newTestFetcher(t, nil), TTLs{})
	cfg := Config{Settings: map[string]string{
		"base_url": srv.URL,
		"latitude": "52.52", "longitude": "13.41",
	}}

	since := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	err := adapter.FetchSince(context.Background(), cfg, since, 0, func(NativeObject) error {
		t.Fatal("snapshot older than since was emitted")
		return nil
	})
	if err != nil {
		t.Fatalf("FetchSince: %v", err)
	}
}

func TestWeatherNormalize(t *testing.T) {
	adapter := NewWeather(nil, TTLs{})

	tmax, tmin := 4.2, -1.3
	env := weatherEnvelope{
		City: "Berlin",
		Current: weatherCurrent{
			Time: "2026-02-10T14:30", Temperature: 3.4,
			ApparentTemperature: 0.1, RelativeHumidity: 78,
			WeatherCode: 71, WindSpeed: 12.5,
		},
		TempMax: &tmax, TempMin: &tmin,
		Timezone: "UTC",
	}
	obj, err := wrapNative("Berlin:2026-02-10T14", time.Time{}, env)
	if err != nil {
		t.Fatalf("wrapNative: %v", err)
	}
	act, err := adapter.Normalize(obj)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if act.ActivityKind != ActivityWeatherSnapshot {
		t.Fatalf("kind = %s, want weather_snapshot", act.ActivityKind)
	}
	if act.SourceNativeID != "Berlin:2026-02-10T14" {
		t.Fatalf("native id = %s", act.SourceNativeID)
	}
	if act.Metadata["condition"] != "Slight snow fall" {
		t.Fatalf("condition = %q, want WMO 71 decoded", act.Metadata["condition"])
	}
	if act.Metadata["temp_max"] != "4.2" || act.Metadata["temp_min"] != "-1.3" {
		t.Fatalf("daily extremes = %q/%q", act.Metadata["temp_max"], act.Metadata["temp_min"])
	}
	if !strings.Contains(act.Title, "Berlin") {
		t.Fatalf("title = %q", act.Title)
	}
}

func TestWeatherDescriptionUnknownCode(t *testing.T) {
	if got := WeatherDescription(42); got != "Unknown" {
		t.Fatalf("WeatherDescription(42) = %q, want Unknown", got)
	}
}
