package location

import (
	"context"
	"errors"
)

// Provider interface defines the methods for location providers
type Provider interface {
	GetLocation(ctx context.Context) (Location, error)
	Close() error
}

// FallbackProvider asks each provider in turn until one returns a fix.
type FallbackProvider struct {
	providers []Provider
}

// NewFallbackProvider chains providers in priority order.
func NewFallbackProvider(providers ...Provider) *FallbackProvider {
	return &FallbackProvider{providers: providers}
}

// GetLocation returns the first successful fix.
func (f *FallbackProvider) GetLocation(ctx context.Context) (Location, error) {
	var errs []error
	for _, p := range f.providers {
		loc, err := p.GetLocation(ctx)
		if err == nil {
			return loc, nil
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return Location{}, errors.New("no location providers configured")
	}
	return Location{}, errors.Join(errs...)
}

// Close closes every provider.
func (f *FallbackProvider) Close() error {
	var errs []error
	for _, p := range f.providers {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
