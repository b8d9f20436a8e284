package model

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Recognized custom property keys on a Job or Connector.
const (
	PropStrictLocationCheck      = "strict_location_check"
	PropStrictBankAccountCheck   = "strict_bank_acc_check"
	PropR365AutoApprove          = "r365_auto_approve"
	PropVPNRequired              = "vpn_required"
	PropComputeExtractedTextHash = "compute_extracted_text_hash"
	PropDownloadFutureInvoices   = "download_future_invoices"
	PropTaskTimeLimit            = "celery_task_time_limit"
	PropMaxConcurrency           = "max_concurrency"
	PropUploadAction             = "upload_action"
)

// CustomProperties is the free-form property bag stored on connectors and
// jobs. Values come from JSON or YAML, so numbers may arrive as float64,
// int or json.Number and booleans may arrive as strings.
type CustomProperties map[string]any

// Has reports whether key is present, regardless of its value.
func (p CustomProperties) Has(key string) bool {
	_, ok := p[key]
	return ok
}

// Bool returns the truthiness of key and whether it was present.
func (p CustomProperties) Bool(key string) (value bool, present bool) {
	raw, ok := p[key]
	if !ok {
		return false, false
	}
	return truthy(raw), true
}

// BoolOr returns the truthiness of key, or def when absent.
func (p CustomProperties) BoolOr(key string, def bool) bool {
	if v, ok := p.Bool(key); ok {
		return v
	}
	return def
}

// Int returns key as an integer when it holds a number.
func (p CustomProperties) Int(key string) (int, bool) {
	raw, ok := p[key]
	if !ok {
		return 0, false
	}
	return toInt(raw)
}

// Text returns key as a trimmed string when it holds one.
func (p CustomProperties) Text(key string) (string, bool) {
	raw, ok := p[key].(string)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(raw), true
}

// TaskTimeLimit is the per-task wall clock budget.
type TaskTimeLimit struct {
	Hard time.Duration
	Soft time.Duration
}

// TaskTimeLimit parses celery_task_time_limit. Both a plain number of seconds
// and an object {"time_limit": n, "soft_time_limit": m} are accepted.
func (p CustomProperties) TaskTimeLimit() (TaskTimeLimit, bool) {
	raw, ok := p[PropTaskTimeLimit]
	if !ok || raw == nil {
		return TaskTimeLimit{}, false
	}
	if secs, ok := toInt(raw); ok {
		if secs <= 0 {
			return TaskTimeLimit{}, false
		}
		d := time.Duration(secs) * time.Second
		return TaskTimeLimit{Hard: d, Soft: d}, true
	}
	obj, ok := raw.(map[string]any)
	if !ok {
		return TaskTimeLimit{}, false
	}
	hard, hasHard := toInt(obj["time_limit"])
	soft, hasSoft := toInt(obj["soft_time_limit"])
	if !hasHard && !hasSoft {
		return TaskTimeLimit{}, false
	}
	limit := TaskTimeLimit{
		Hard: time.Duration(hard) * time.Second,
		Soft: time.Duration(soft) * time.Second,
	}
	if !hasHard || limit.Hard <= 0 {
		limit.Hard = limit.Soft
	}
	if !hasSoft || limit.Soft <= 0 || limit.Soft > limit.Hard {
		limit.Soft = limit.Hard
	}
	return limit, limit.Hard > 0
}

// Merge returns base overlaid with override. Neither input is modified.
func Merge(base, override CustomProperties) CustomProperties {
	out := make(CustomProperties, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(t))
		return err == nil && b
	default:
		n, ok := toInt(v)
		return ok && n != 0
	}
}

func toInt(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int32:
		return int(t), true
	case int64:
		return int(t), true
	case float64:
		return int(t), true
	case json.Number:
		n, err := t.Int64()
		if err != nil {
			f, ferr := t.Float64()
			if ferr != nil {
				return 0, false
			}
			return int(f), true
		}
		return int(n), true
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(t))
		return n, err == nil
	}
	return 0, false
}
