package mediaplayer

import (
	"context"
	"fmt"
)

// Service names accepted by CallService.
const (
	ServiceTurnOn          = "turn_on"
	ServiceTurnOff         = "turn_off"
	ServiceSelectSource    = "select_source"
	ServiceSetVolume       = "set_volume"
	ServiceVolumeUp        = "volume_up"
	ServiceVolumeDown      = "volume_down"
	ServiceMute            = "mute"
	ServiceSelectSoundMode = "select_sound_mode"
	ServiceJoin            = "join"
	ServiceUnjoin          = "unjoin"
	ServiceUpdate          = "update"
)

// Services lists every service name.
var Services = []string{
	ServiceTurnOn, ServiceTurnOff, ServiceSelectSource, ServiceSetVolume,
	ServiceVolumeUp, ServiceVolumeDown, ServiceMute, ServiceSelectSoundMode,
	ServiceJoin, ServiceUnjoin, ServiceUpdate,
}

// Service parameter keys.
const (
	ParamSource    = "source"
	ParamLevel     = "level"
	ParamMuted     = "muted"
	ParamSoundMode = "sound_mode"
	ParamMembers   = "members"
)

// CallService runs a named service against z. Parameters arrive decoded
// from JSON, so numbers are float64 and lists are []any.
func CallService(ctx context.Context, z *Zone, service string, params map[string]any) error {
	switch service {
	case ServiceTurnOn:
		return z.TurnOn(ctx)
	case ServiceTurnOff:
		return z.TurnOff(ctx)
	case ServiceSelectSource:
		// A missing or null source unlinks.
		source, err := optionalString(params, ParamSource)
		if err != nil {
			return err
		}
		return z.SelectSource(ctx, source)
	case ServiceSetVolume:
		level, err := requireFloat(params, ParamLevel)
		if err != nil {
			return err
		}
		return z.SetVolumeLevel(ctx, level)
	case ServiceVolumeUp:
		return z.VolumeUp(ctx)
	case ServiceVolumeDown:
		return z.VolumeDown(ctx)
	case ServiceMute:
		muted, err := requireBool(params, ParamMuted)
		if err != nil {
			return err
		}
		return z.MuteVolume(ctx, muted)
	case ServiceSelectSoundMode:
		mode, err := optionalString(params, ParamSoundMode)
		if err != nil {
			return err
		}
		if mode == "" {
			return fmt.Errorf("%w: %s is required", ErrInvalidParameter, ParamSoundMode)
		}
		return z.SelectSoundMode(ctx, mode)
	case ServiceJoin:
		members, err := requireStrings(params, ParamMembers)
		if err != nil {
			return err
		}
		return z.JoinPlayers(ctx, members)
	case ServiceUnjoin:
		return z.UnjoinPlayer(ctx)
	case ServiceUpdate:
		return z.Update(ctx)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownService, service)
	}
}

func optionalString(params map[string]any, key string) (string, error) {
	v, ok := params[key]
	if !ok || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%w: %s must be a string", ErrInvalidParameter, key)
	}
	return s, nil
}

func requireFloat(params map[string]any, key string) (float64, error) {
	switch v := params[key].(type) {
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	default:
		return 0, fmt.Errorf("%w: %s must be a number", ErrInvalidParameter, key)
	}
}

func requireBool(params map[string]any, key string) (bool, error) {
	v, ok := params[key].(bool)
	if !ok {
		return false, fmt.Errorf("%w: %s must be a boolean", ErrInvalidParameter, key)
	}
	return v, nil
}

func requireStrings(params map[string]any, key string) ([]string, error) {
	switch v := params[key].(type) {
	case []string:
		return v, nil
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("%w: %s must be a list of strings", ErrInvalidParameter, key)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %s must be a list of strings", ErrInvalidParameter, key)
	}
}
