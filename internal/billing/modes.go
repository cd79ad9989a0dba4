package billing

import (
	"fmt"
	"strings"

	"github.com/router-for-me/CLIProxyAPIBilling/internal/config"
)

// Mode is one independently dispatchable billing strategy.
type Mode string

// Billing modes.
const (
	ModePrepaid       Mode = "prepaid"
	ModeMeters        Mode = "meters"
	ModeSubscriptions Mode = "subscriptions"
)

// ParseMode validates a billing mode name. Singular spellings are accepted.
func ParseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "prepaid", "prepaid_balance":
		return ModePrepaid, nil
	case "meters", "meter":
		return ModeMeters, nil
	case "subscriptions", "subscription":
		return ModeSubscriptions, nil
	default:
		return "", fmt.Errorf("%w: unknown billing method %q", ErrInsufficientConfiguration, raw)
	}
}

// ResolveModes returns the active billing modes. An explicit billing method
// list wins; otherwise prepaid, meters and subscriptions are tried in that
// order and the first configured one is used.
func ResolveModes(cfg config.BillingConfig) ([]Mode, error) {
	if explicit := strings.TrimSpace(cfg.BillingMethod); explicit != "" {
		var modes []Mode
		seen := make(map[Mode]struct{})
		for _, part := range strings.Split(explicit, ",") {
			if strings.TrimSpace(part) == "" {
				continue
			}
			mode, err := ParseMode(part)
			if err != nil {
				return nil, err
			}
			if _, dup := seen[mode]; dup {
				continue
			}
			if errReq := checkModePrerequisites(mode, cfg); errReq != nil {
				return nil, errReq
			}
			seen[mode] = struct{}{}
			modes = append(modes, mode)
		}
		if len(modes) == 0 {
			return nil, fmt.Errorf("%w: billing method %q names no mode", ErrInsufficientConfiguration, explicit)
		}
		return modes, nil
	}

	var inferred Mode
	switch {
	case cfg.UsePrepaidBalance:
		inferred = ModePrepaid
	case strings.TrimSpace(cfg.MeterEventName) != "":
		inferred = ModeMeters
	case strings.TrimSpace(cfg.PriceID) != "":
		inferred = ModeSubscriptions
	default:
		return nil, fmt.Errorf("%w: enable the prepaid balance or set a meter event name or price id", ErrInsufficientConfiguration)
	}
	if errReq := checkModePrerequisites(inferred, cfg); errReq != nil {
		return nil, errReq
	}
	return []Mode{inferred}, nil
}

func checkModePrerequisites(mode Mode, cfg config.BillingConfig) error {
	switch mode {
	case ModeMeters:
		if strings.TrimSpace(cfg.MeterEventName) == "" {
			return fmt.Errorf("%w: meters mode requires a meter event name", ErrInsufficientConfiguration)
		}
	case ModeSubscriptions:
		if strings.TrimSpace(cfg.PriceID) == "" {
			return fmt.Errorf("%w: subscriptions mode requires a price id", ErrInsufficientConfiguration)
		}
	default:
		return nil
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return fmt.Errorf("%w: %s mode requires a provider api key", ErrInsufficientConfiguration, mode)
	}
	return nil
}

// HasMode reports whether modes contains mode.
func HasMode(modes []Mode, mode Mode) bool {
	for _, m := range modes {
		if m == mode {
			return true
		}
	}
	return false
}
