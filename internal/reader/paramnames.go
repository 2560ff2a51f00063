package reader

import (
	"context"
	"fmt"

	"github.com/aogaki/delila-go/internal/config"
)

// applyDigitizerConfig pushes board-level channel_defaults then per-channel
// overrides to the device, translating parameter names and polarity values
// per decoder kind (spec §4.3 point 1). Errors are aggregated rather than
// aborting the push, so one bad parameter does not block the rest.
func (r *Reader) applyDigitizerConfig(ctx context.Context, cfg *config.DigitizerConfig) []error {
	var errs []error
	for name, value := range cfg.ChannelDefaults {
		path, val := translateParam(r.kind, name, value)
		if err := r.device.SetParameter(ctx, path, val); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	for _, ov := range cfg.ChannelOverrides {
		if ov.Polarity != "" {
			path, val := translateParam(r.kind, "polarity", ov.Polarity)
			path = fmt.Sprintf("%s/ch%d", path, ov.Channel)
			if err := r.device.SetParameter(ctx, path, val); err != nil {
				errs = append(errs, fmt.Errorf("ch%d polarity: %w", ov.Channel, err))
			}
		}
		for name, value := range ov.Params {
			path, val := translateParam(r.kind, name, value)
			path = fmt.Sprintf("%s/ch%d", path, ov.Channel)
			if err := r.device.SetParameter(ctx, path, val); err != nil {
				errs = append(errs, fmt.Errorf("ch%d %s: %w", ov.Channel, name, err))
			}
		}
	}
	if err := r.device.ConfigureEndpoint(ctx, cfg.IncludeNEvents); err != nil {
		errs = append(errs, fmt.Errorf("configure endpoint: %w", err))
	}
	return errs
}

// translateParam maps a bare parameter name/value pair to the wire form a
// given decoder kind's firmware expects: PSD1 prefixes channel parameter
// names with "ch_" and spells polarity as POLARITY_NEGATIVE/POSITIVE; PSD2
// uses bare names and Negative/Positive (spec §4.3 point 1).
func translateParam(kind, name, value string) (path, translatedValue string) {
	if kind == "psd1" {
		path = "ch_" + name
		if name == "polarity" {
			if value == "Negative" || value == "negative" {
				return path, "POLARITY_NEGATIVE"
			}
			return path, "POLARITY_POSITIVE"
		}
		return path, value
	}
	return name, value
}
