// Package knowledge stores prose insights derived from telemetry and retrieves
// the nearest ones for a query.
package knowledge

import (
	"context"
	"strconv"
	"strings"

	"github.com/kjstillabower/weather-rag-service/internal/models"
)

// DefaultTopK is the number of excerpts retrieved per query.
const DefaultTopK = 2

// Store is a semantic text store. Both operations are fallible; callers treat
// failures as best-effort.
type Store interface {
	Add(ctx context.Context, city, country string, rec models.TelemetryRecord) error
	Retrieve(ctx context.Context, query string, k int, f Filter) ([]string, error)
}

// Filter narrows retrieval. A zero Filter matches every document.
type Filter struct {
	// City restricts results to insights recorded for that city, compared
	// case-insensitively.
	City string
}

// CityKey is the normalized form of a city name used for filtering.
func CityKey(city string) string {
	return strings.ToLower(strings.TrimSpace(city))
}

// InsightDocument renders a telemetry record as the prose stored in the knowledge
// store. Missing values render as "N/A".
func InsightDocument(city, country string, rec models.TelemetryRecord) string {
	desc := rec.Conditions.Description
	if desc == "" {
		desc = "unobserved"
	}

	var b strings.Builder
	b.WriteString("Meteorological context for " + city + ", " + country + ". ")
	b.WriteString("Atmospheric state is currently " + desc + " with a recorded temperature of " + num(rec.Temperature.Current) + "°C. ")
	b.WriteString("The thermal perception (feels like) is " + num(rec.Temperature.FeelsLike) + "°C. ")
	b.WriteString("Barometric pressure is " + num(rec.Atmosphere.Pressure) + " hPa with a relative humidity of " + num(rec.Atmosphere.Humidity) + "%. ")
	b.WriteString("Visibility range extends to " + num(rec.Atmosphere.VisibilityKM) + " km. ")
	b.WriteString("Anemometer readings show wind speeds of " + num(rec.Wind.SpeedMS) + " m/s at a direction of " + num(rec.Wind.DirectionDeg) + "°. ")
	b.WriteString("Solar cycle indicates sunrise at " + text(rec.SolarCycle.Sunrise) + " and sunset at " + text(rec.SolarCycle.Sunset) + " local time.")
	return b.String()
}

func num(v *float64) string {
	if v == nil {
		return "N/A"
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

func text(s string) string {
	if s == "" {
		return "N/A"
	}
	return s
}
