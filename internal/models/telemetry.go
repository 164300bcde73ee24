package models

// TelemetryRecord is a freshly fetched weather observation for one location.
// Numeric fields are pointers so that values the upstream omitted stay distinguishable
// from zero readings; renderers substitute "N/A" for nil.
type TelemetryRecord struct {
	Location    string      `json:"location"`
	Country     string      `json:"country"`
	Temperature Temperature `json:"temperature"`
	Atmosphere  Atmosphere  `json:"atmosphere"`
	Conditions  Conditions  `json:"conditions"`
	Wind        Wind        `json:"wind"`
	SolarCycle  SolarCycle  `json:"solar_cycle"`
}

// Temperature readings in degrees Celsius.
type Temperature struct {
	Current   *float64 `json:"current"`
	FeelsLike *float64 `json:"feels_like"`
	Min       *float64 `json:"min"`
	Max       *float64 `json:"max"`
}

type Atmosphere struct {
	Pressure     *float64 `json:"pressure"`
	Humidity     *float64 `json:"humidity"`
	VisibilityKM *float64 `json:"visibility_km"`
}

type Conditions struct {
	Main        string `json:"main"`
	Description string `json:"description"`
}

type Wind struct {
	SpeedMS      *float64 `json:"speed_ms"`
	DirectionDeg *float64 `json:"direction_deg"`
}

// SolarCycle holds local HH:MM times.
type SolarCycle struct {
	Sunrise string `json:"sunrise"`
	Sunset  string `json:"sunset"`
}

// Float returns a pointer to v. Convenience for building records in tests and mappers.
func Float(v float64) *float64 {
	return &v
}
