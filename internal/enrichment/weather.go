package enrichment

import (
	"context"
	"fmt"
	"time"

	"github.com/eternisai/enchanted-research/internal/logger"
	"github.com/eternisai/enchanted-research/internal/weather"
)

const WeatherProviderName = "weather"

// WeatherSource returns current conditions for a location.
type WeatherSource interface {
	Current(ctx context.Context, loc weather.Location) (*weather.Conditions, error)
}

// WeatherProvider looks up current conditions at the caller's location.
type WeatherProvider struct {
	source  WeatherSource
	timeout time.Duration
	logger  *logger.Logger
}

func NewWeatherProvider(source WeatherSource, timeout time.Duration, logger *logger.Logger) *WeatherProvider {
	return &WeatherProvider{
		source:  source,
		timeout: timeout,
		logger:  logger.WithComponent("weather"),
	}
}

func (p *WeatherProvider) Name() string {
	return WeatherProviderName
}

func (p *WeatherProvider) Start(ctx context.Context, input Input, _ ProgressFunc) *Handle {
	if input.Location == nil || (input.Location.City == "" && !input.Location.HasCoordinates()) {
		return Resolved(WeatherProviderName, Absent("no location"))
	}
	loc := *input.Location

	return Run(ctx, WeatherProviderName, p.timeout, p.logger, func(ctx context.Context) (Result, error) {
		conditions, err := p.source.Current(ctx, loc)
		if err != nil {
			return Result{}, fmt.Errorf("current conditions: %w", err)
		}
		label := fmt.Sprintf("Weather in %s: %s, %.0f°C", conditions.Place, conditions.Description, conditions.TemperatureC)
		return Auxiliary(label, *conditions, conditions.Summary()), nil
	})
}
