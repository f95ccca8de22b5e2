package privacy

import (
	"bytes"
	"context"
	"encoding/json"
	"math"
	"reflect"
	"strconv"
	"strings"

	"trailkeep/internal/exif"
	"trailkeep/internal/types"
)

// Telemetry categories, each gated by its own consent flag
const (
	CategoryAnalytics   = "analytics"
	CategoryIdentify    = "identify"
	CategoryError       = "error"
	CategoryPerformance = "performance"
)

var coordinateKeys = map[string]struct{}{
	"latitude": {}, "longitude": {}, "lat": {}, "lon": {}, "lng": {},
}

func normalizeKey(k string) string {
	k = strings.ToLower(k)
	k = strings.ReplaceAll(k, "_", "")
	return strings.ReplaceAll(k, "-", "")
}

// SanitizeProperties returns a copy of props with denylisted keys removed at
// any depth and coordinate values rounded. Typed maps, slices and structs are
// normalized through their JSON form first so nothing escapes the walk. Values
// that have no JSON form are dropped. The input is not modified.
func (l *Ledger) SanitizeProperties(props map[string]any) map[string]any {
	out := make(map[string]any, len(props))
	for k, v := range props {
		if _, denied := l.denylist[normalizeKey(k)]; denied {
			continue
		}
		if _, coord := coordinateKeys[strings.ToLower(k)]; coord {
			if rounded, ok := l.roundCoordinate(v); ok {
				out[k] = rounded
				continue
			}
		}
		if clean, ok := l.sanitizeValue(v); ok {
			out[k] = clean
		}
	}
	return out
}

func (l *Ledger) sanitizeValue(v any) (any, bool) {
	switch t := v.(type) {
	case nil, string, bool, float64, float32, int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64:
		return v, true
	case json.Number:
		return numberValue(t), true
	case map[string]any:
		return l.SanitizeProperties(t), true
	case []any:
		items := make([]any, 0, len(t))
		for _, item := range t {
			if clean, ok := l.sanitizeValue(item); ok {
				items = append(items, clean)
			}
		}
		return items, true
	default:
		normalized, err := normalizeValue(v)
		if err != nil {
			return nil, false
		}
		return l.sanitizeValue(normalized)
	}
}

// normalizeValue converts v into the generic map, slice and json.Number
// shapes encoding/json produces
func normalizeValue(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

func numberValue(n json.Number) any {
	if i, err := n.Int64(); err == nil {
		return i
	}
	if f, err := n.Float64(); err == nil {
		return f
	}
	return n.String()
}

// roundCoordinate rounds numeric and numeric-string coordinates. Strings stay
// strings.
func (l *Ledger) roundCoordinate(v any) (any, bool) {
	decimals := l.config.CoordinateDecimals
	switch t := v.(type) {
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, false
		}
		return strconv.FormatFloat(exif.Round(f, decimals), 'f', -1, 64), true
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return nil, false
		}
		return exif.Round(f, decimals), true
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Float32, reflect.Float64:
		return exif.Round(rv.Float(), decimals), true
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return exif.Round(float64(rv.Int()), decimals), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return exif.Round(float64(rv.Uint()), decimals), true
	}
	return nil, false
}

// TrackEvent forwards a usage event when analytics consent is granted
func (l *Ledger) TrackEvent(ctx context.Context, name string, props map[string]any) {
	l.emit(ctx, l.Consent().Analytics, types.TelemetryEvent{Category: CategoryAnalytics, Name: name, Properties: props})
}

// IdentifyUser associates later events with userID when analytics consent is granted
func (l *Ledger) IdentifyUser(ctx context.Context, userID string, traits map[string]any) {
	l.emit(ctx, l.Consent().Analytics, types.TelemetryEvent{Category: CategoryIdentify, Name: "identify", UserID: userID, Properties: traits})
}

// TrackError reports a failure when crash reporting consent is granted. Only
// the error text and the sanitized context leave the device.
func (l *Ledger) TrackError(ctx context.Context, err error, props map[string]any) {
	if err == nil {
		return
	}
	merged := make(map[string]any, len(props)+1)
	for k, v := range props {
		merged[k] = v
	}
	merged["error"] = err.Error()
	l.emit(ctx, l.Consent().CrashReporting, types.TelemetryEvent{Category: CategoryError, Name: "error", Properties: merged})
}

// TrackPerformance reports a timing when performance consent is granted
func (l *Ledger) TrackPerformance(ctx context.Context, name string, durationMs float64, props map[string]any) {
	merged := make(map[string]any, len(props)+1)
	for k, v := range props {
		merged[k] = v
	}
	merged["duration_ms"] = durationMs
	l.emit(ctx, l.Consent().Performance, types.TelemetryEvent{Category: CategoryPerformance, Name: name, Properties: merged})
}

func (l *Ledger) emit(ctx context.Context, consented bool, event types.TelemetryEvent) {
	if !consented || l.sink == nil {
		l.metrics.RecordTelemetry(event.Category, "dropped")
		return
	}
	event.Properties = l.SanitizeProperties(event.Properties)
	event.Timestamp = l.clock()

	if err := l.sink.Send(ctx, event); err != nil {
		l.metrics.RecordTelemetry(event.Category, "failed")
		l.logger.Warn("Telemetry delivery failed", "category", event.Category, "name", event.Name, "error", err)
		return
	}
	l.metrics.RecordTelemetry(event.Category, "forwarded")
}
